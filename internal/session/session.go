// Package session holds per-conversation state and the process-wide
// registry of active sessions.
package session

import "time"

// State is the conversation turn-taking state.
type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateSpeaking   State = "speaking"
	StateError      State = "error"
)

// AudioConfig describes the inbound audio format for one session.
// Set once at creation, read-only afterwards.
type AudioConfig struct {
	LanguageCode    string `json:"language_code"`
	SampleRateHertz int    `json:"sample_rate_hertz"`
	Encoding        string `json:"encoding"`
	Channels        int    `json:"channels"`
}

// ConversationTurn is one user→assistant exchange. Immutable once appended.
type ConversationTurn struct {
	UserQuery         string        `json:"user_query"`
	AssistantResponse string        `json:"assistant_response"`
	CreatedAt         time.Time     `json:"created_at"`
	ProcessingTime    time.Duration `json:"processing_time"`
}

// Session is the registry's record for one connected user. The registry
// mutates state, last_activity, and history under its lock; the in-flight
// transcript lives with the owning conversation, not here.
type Session struct {
	ID           string
	CreatedAt    time.Time
	LastActivity time.Time
	State        State
	AudioConfig  AudioConfig

	history []ConversationTurn
}
