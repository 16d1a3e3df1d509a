package session

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mohamedhanafy31/E-commerce-Arabic-RAG/internal/metrics"
)

// ErrAtCapacity is returned by Create once the configured maximum number of
// concurrent sessions is reached. Fatal for that connection attempt only.
var ErrAtCapacity = errors.New("maximum concurrent sessions reached")

// RegistryConfig holds registry limits and timing.
type RegistryConfig struct {
	MaxSessions    int
	SessionTimeout time.Duration
	SweepInterval  time.Duration
	MaxHistory     int
}

// Registry is the one place session state is shared across connections.
// Every operation is serialized by a single mutex; a background sweep
// deletes sessions whose inactivity exceeds the configured timeout.
type Registry struct {
	cfg RegistryConfig

	mu       sync.Mutex
	sessions map[string]*Session

	stop chan struct{}
	done chan struct{}
}

// Stats is an aggregate snapshot over all live sessions.
type Stats struct {
	TotalSessions     int           `json:"total_sessions"`
	TotalTurns        int           `json:"total_conversation_turns"`
	StateDistribution map[State]int `json:"state_distribution"`
	MaxSessions       int           `json:"max_sessions"`
	SessionTimeoutSec int           `json:"session_timeout_seconds"`
}

// NewRegistry creates a registry and starts its expiry sweep.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 100
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 10
	}

	r := &Registry{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// Create registers a new session with the given audio config and returns its
// ID. Returns ErrAtCapacity once MaxSessions live sessions exist.
func (r *Registry) Create(cfg AudioConfig) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.sessions) >= r.cfg.MaxSessions {
		return "", ErrAtCapacity
	}

	now := time.Now().UTC()
	s := &Session{
		ID:           uuid.NewString(),
		CreatedAt:    now,
		LastActivity: now,
		State:        StateIdle,
		AudioConfig:  cfg,
	}
	r.sessions[s.ID] = s

	metrics.SessionsActive.Inc()
	metrics.SessionsTotal.Inc()
	slog.Info("session created", "session_id", s.ID)
	return s.ID, nil
}

// Get returns the session and refreshes its last_activity. An expired
// session is deleted and reported as missing rather than returned.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	if time.Since(s.LastActivity) > r.cfg.SessionTimeout {
		r.deleteLocked(id, "expired")
		return nil, false
	}
	s.LastActivity = time.Now().UTC()
	return s, true
}

// UpdateState sets the session state and refreshes last_activity.
func (r *Registry) UpdateState(id string, state State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	s.State = state
	s.LastActivity = time.Now().UTC()
	return true
}

// AddTurn appends a conversation turn, trimming history to MaxHistory.
func (r *Registry) AddTurn(id string, turn ConversationTurn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	s.history = append(s.history, turn)
	if len(s.history) > r.cfg.MaxHistory {
		s.history = s.history[len(s.history)-r.cfg.MaxHistory:]
	}
	s.LastActivity = time.Now().UTC()
	return true
}

// History returns a copy of the session's conversation turns in order.
func (r *Registry) History(id string) []ConversationTurn {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	out := make([]ConversationTurn, len(s.history))
	copy(out, s.history)
	return out
}

// HistoryContext formats prior turns as numbered question/answer lines for
// the retrieval query. Empty when the session has no history.
func (r *Registry) HistoryContext(id string) string {
	turns := r.History(id)
	if len(turns) == 0 {
		return ""
	}

	var b strings.Builder
	for i, t := range turns {
		fmt.Fprintf(&b, "السؤال %d: %s\n\n", i+1, t.UserQuery)
		fmt.Fprintf(&b, "الإجابة %d: %s", i+1, t.AssistantResponse)
		if i < len(turns)-1 {
			b.WriteString("\n\n")
		}
	}
	return b.String()
}

// Delete removes the session. Reports whether it existed.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return false
	}
	r.deleteLocked(id, "closed")
	return true
}

// Stats returns an aggregate snapshot.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Stats{
		TotalSessions:     len(r.sessions),
		StateDistribution: make(map[State]int),
		MaxSessions:       r.cfg.MaxSessions,
		SessionTimeoutSec: int(r.cfg.SessionTimeout.Seconds()),
	}
	for _, s := range r.sessions {
		st.TotalTurns += len(s.history)
		st.StateDistribution[s.State]++
	}
	return st
}

// Close stops the expiry sweep. Live sessions are left to their owners.
func (r *Registry) Close() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	<-r.done
}

// Sweep removes every expired session immediately and returns how many were
// deleted. The background loop calls this on its interval.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []string
	for id, s := range r.sessions {
		if time.Since(s.LastActivity) > r.cfg.SessionTimeout {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		r.deleteLocked(id, "expired")
	}
	return len(expired)
}

func (r *Registry) sweepLoop() {
	defer close(r.done)
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				slog.Info("expired sessions removed", "count", n)
			}
		case <-r.stop:
			return
		}
	}
}

func (r *Registry) deleteLocked(id, reason string) {
	delete(r.sessions, id)
	metrics.SessionsActive.Dec()
	if reason == "expired" {
		metrics.SessionsExpired.Inc()
	}
	slog.Info("session deleted", "session_id", id, "reason", reason)
}
