// Package conversation drives the turn-taking state machine for one
// connected user: listening → processing → speaking → idle. It composes the
// transcription, retrieval, and synthesis clients and reconciles their
// independent latencies into one ordered outbound event stream.
package conversation

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mohamedhanafy31/E-commerce-Arabic-RAG/internal/asr"
	"github.com/mohamedhanafy31/E-commerce-Arabic-RAG/internal/metrics"
	"github.com/mohamedhanafy31/E-commerce-Arabic-RAG/internal/protocol"
	"github.com/mohamedhanafy31/E-commerce-Arabic-RAG/internal/rag"
	"github.com/mohamedhanafy31/E-commerce-Arabic-RAG/internal/session"
	"github.com/mohamedhanafy31/E-commerce-Arabic-RAG/internal/text"
)

// ErrNotListening is returned when audio arrives, or audio-end is signaled,
// outside the LISTENING state.
var ErrNotListening = errors.New("conversation: not in listening state")

// EventSender delivers one outbound protocol message to the client. The
// gateway's implementation serializes writes; the conversation calls it from
// multiple goroutines.
type EventSender func(msg any)

// TranscriptionClient is the streaming transcription contract (internal/asr).
type TranscriptionClient interface {
	Connect(ctx context.Context, cfg asr.Config) error
	Connected() bool
	SendAudioChunk(data []byte) error
	Listen(callback func(asr.TranscriptEvent))
	StopListening()
	Disconnect()
}

// SynthesisClient is the streaming synthesis contract (internal/tts).
type SynthesisClient interface {
	StreamSynthesis(ctx context.Context, text string) iter.Seq2[[]byte, error]
	Disconnect()
}

// RetrievalClient is the stateless retrieval contract (internal/rag).
type RetrievalClient interface {
	Query(ctx context.Context, query, history string) (*rag.QueryResponse, error)
	StreamSentences(ctx context.Context, query, history string) iter.Seq2[string, error]
}

// Config wires one conversation. Client factories are invoked lazily: the
// transcription client on the first audio chunk, the synthesis client on the
// first sentence to speak.
type Config struct {
	Registry  *session.Registry
	SessionID string
	Send      EventSender

	NewTranscription func() TranscriptionClient
	NewSynthesis     func() SynthesisClient
	Retrieval        RetrievalClient

	TranscriptGraceWait time.Duration
	SentenceStreaming   bool
	HistoryEnabled      bool
	MaxRetries          int
	RetryBaseDelay      time.Duration
	CloseJoinWait       time.Duration

	// transcriptQueueSize bounds the channel between the transcript
	// listener and the dispatch goroutine. Zero means the default.
	TranscriptQueueSize int
}

// Conversation owns one session's turn pipeline. All mutations of the
// transcript accumulator happen on the dispatch goroutine; state transitions
// are guarded by mu.
type Conversation struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    session.State
	active   bool
	closed   bool
	audioBuf [][]byte

	finalSegments []string
	latestInterim string

	asrClient  TranscriptionClient
	ttsClient  SynthesisClient
	listenOnce sync.Once

	events     chan asr.TranscriptEvent
	dispatchWG sync.WaitGroup

	turnMu   sync.Mutex
	turnDone chan struct{}
}

// New creates a conversation for an existing registry session. Call Start
// before feeding audio.
func New(cfg Config) *Conversation {
	if cfg.TranscriptGraceWait <= 0 {
		cfg.TranscriptGraceWait = time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.CloseJoinWait <= 0 {
		cfg.CloseJoinWait = 5 * time.Second
	}
	if cfg.TranscriptQueueSize <= 0 {
		cfg.TranscriptQueueSize = 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Conversation{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		state:  session.StateIdle,
		active: true,
		events: make(chan asr.TranscriptEvent, cfg.TranscriptQueueSize),
	}
}

// Start moves the session into LISTENING: the platform is backend-driven
// and tells the client to start recording immediately.
func (c *Conversation) Start() {
	c.setState(session.StateListening)
}

// State returns the current conversation state.
func (c *Conversation) State() session.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ProcessAudioChunk buffers one inbound audio chunk and forwards it to the
// transcription backend, connecting lazily on the first chunk. Rejected
// outside LISTENING.
func (c *Conversation) ProcessAudioChunk(data []byte) error {
	c.mu.Lock()
	if c.closed || c.state != session.StateListening {
		state := c.state
		c.mu.Unlock()
		slog.Warn("audio chunk in wrong state", "session_id", c.cfg.SessionID, "state", state)
		return ErrNotListening
	}
	c.audioBuf = append(c.audioBuf, data)
	if c.asrClient == nil {
		c.asrClient = c.cfg.NewTranscription()
	}
	client := c.asrClient
	c.mu.Unlock()

	metrics.AudioChunksIn.Inc()

	if !client.Connected() {
		sess, ok := c.cfg.Registry.Get(c.cfg.SessionID)
		if !ok {
			return fmt.Errorf("session %s no longer registered", c.cfg.SessionID)
		}
		err := client.Connect(c.ctx, asr.Config{
			LanguageCode:    sess.AudioConfig.LanguageCode,
			SampleRateHertz: sess.AudioConfig.SampleRateHertz,
			Encoding:        sess.AudioConfig.Encoding,
		})
		if err != nil {
			c.sendError("asr_connection_failed", err.Error())
			return err
		}
		c.startTranscriptPump(client)
	}

	if err := client.SendAudioChunk(data); err != nil {
		c.sendError("audio_processing_failed", err.Error())
		return err
	}
	return nil
}

// EndAudioInput signals the end of the utterance. Only legal from
// LISTENING; spawns the turn pipeline and returns immediately.
func (c *Conversation) EndAudioInput() error {
	c.mu.Lock()
	if c.closed || c.state != session.StateListening {
		state := c.state
		c.mu.Unlock()
		slog.Warn("audio_end in wrong state", "session_id", c.cfg.SessionID, "state", state)
		return ErrNotListening
	}
	c.mu.Unlock()

	c.setState(session.StateProcessing)

	c.turnMu.Lock()
	c.turnDone = make(chan struct{})
	done := c.turnDone
	c.turnMu.Unlock()

	go func() {
		defer close(done)
		c.processTurn(c.ctx)
	}()
	return nil
}

// Close tears the conversation down: cancels the transcript listener and any
// running turn, joins them with a bounded wait, and releases both backend
// clients. Idempotent.
func (c *Conversation) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.active = false
	asrClient, ttsClient := c.asrClient, c.ttsClient
	c.mu.Unlock()

	c.cancel()
	if asrClient != nil {
		asrClient.Disconnect()
	}

	c.turnMu.Lock()
	done := c.turnDone
	c.turnMu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-time.After(c.cfg.CloseJoinWait):
			slog.Warn("turn task did not stop in time, abandoning", "session_id", c.cfg.SessionID)
		}
	}

	waitDone := make(chan struct{})
	go func() {
		c.dispatchWG.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(c.cfg.CloseJoinWait):
		slog.Warn("transcript dispatch did not stop in time, abandoning", "session_id", c.cfg.SessionID)
	}

	if ttsClient != nil {
		ttsClient.Disconnect()
	}
	slog.Info("conversation closed", "session_id", c.cfg.SessionID)
}

// startTranscriptPump starts the listener and dispatch goroutines exactly
// once. The listener pushes backend events into a bounded channel; the
// dispatch goroutine is the only writer of the transcript accumulator.
func (c *Conversation) startTranscriptPump(client TranscriptionClient) {
	c.listenOnce.Do(func() {
		c.dispatchWG.Add(2)

		go func() {
			defer c.dispatchWG.Done()
			client.Listen(func(ev asr.TranscriptEvent) {
				select {
				case c.events <- ev:
				case <-c.ctx.Done():
				}
			})
		}()

		go func() {
			defer c.dispatchWG.Done()
			for {
				select {
				case ev := <-c.events:
					c.handleTranscript(ev)
				case <-c.ctx.Done():
					return
				}
			}
		}()
	})
}

// handleTranscript relays one transcript event and folds it into the
// accumulator: finals append a segment and clear the scratch interim,
// interims overwrite the scratch only.
func (c *Conversation) handleTranscript(ev asr.TranscriptEvent) {
	c.send(protocol.NewTranscript(ev.Text, ev.IsFinal, ev.Confidence))

	c.mu.Lock()
	defer c.mu.Unlock()
	if ev.IsFinal && ev.Text != "" {
		c.finalSegments = append(c.finalSegments, strings.TrimSpace(ev.Text))
		c.latestInterim = ""
	} else {
		c.latestInterim = strings.TrimSpace(ev.Text)
	}
}

// finalTranscript joins finalized segments in arrival order, falling back to
// the last interim when no final ever arrived.
func (c *Conversation) finalTranscript() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.finalSegments) > 0 {
		return strings.Join(c.finalSegments, " ")
	}
	return c.latestInterim
}

// processTurn runs the retrieval and synthesis pipeline for one turn.
func (c *Conversation) processTurn(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.TurnDuration.Observe(time.Since(start).Seconds())
		c.releaseTurnClients()
	}()

	// Grace interval for a trailing final transcript to arrive.
	select {
	case <-time.After(c.cfg.TranscriptGraceWait):
	case <-ctx.Done():
		return
	}

	transcript := c.finalTranscript()
	if transcript == "" {
		slog.Error("no transcript received", "session_id", c.cfg.SessionID)
		metrics.Errors.WithLabelValues("turn", "no_transcript").Inc()
		c.send(protocol.NewError("no_transcript", "No transcript received from ASR"))
		c.setState(session.StateIdle)
		return
	}

	history := ""
	if c.cfg.HistoryEnabled {
		history = c.cfg.Registry.HistoryContext(c.cfg.SessionID)
	}

	var answer string
	var answerMs int64
	var ok bool
	if c.cfg.SentenceStreaming {
		answer, ok = c.streamTurn(ctx, transcript, history)
	} else {
		answer, answerMs, ok = c.singleShotTurn(ctx, transcript, history)
	}
	if !ok {
		c.setState(session.StateIdle)
		return
	}

	if answer != "" && c.cfg.HistoryEnabled {
		c.cfg.Registry.AddTurn(c.cfg.SessionID, session.ConversationTurn{
			UserQuery:         transcript,
			AssistantResponse: answer,
			CreatedAt:         time.Now().UTC(),
			ProcessingTime:    time.Duration(answerMs) * time.Millisecond,
		})
	}

	c.send(protocol.NewComplete(c.cfg.SessionID, time.Since(start).Milliseconds()))
	c.setState(session.StateIdle)
	slog.Info("turn completed", "session_id", c.cfg.SessionID, "total_ms", time.Since(start).Milliseconds())
}

// streamTurn iterates retrieval sentences as they arrive, speaking each one.
// Returns the aggregated answer and whether the turn may complete.
func (c *Conversation) streamTurn(ctx context.Context, transcript, history string) (string, bool) {
	var collected []string
	sentenceIndex := 0

	for sentence, err := range c.cfg.Retrieval.StreamSentences(ctx, transcript, history) {
		if err != nil {
			if ctx.Err() != nil {
				return "", false
			}
			slog.Error("rag streaming failed", "session_id", c.cfg.SessionID, "error", err)
			metrics.Errors.WithLabelValues("turn", "rag_failed").Inc()
			c.send(protocol.NewError("rag_failed", "Failed to get RAG response"))
			return "", false
		}

		collected = append(collected, sentence)
		c.send(protocol.NewRAGResponse(sentence))
		c.setState(session.StateSpeaking)
		c.speakSentence(ctx, sentence, sentenceIndex)
		sentenceIndex++
	}

	return strings.TrimSpace(strings.Join(collected, " ")), true
}

// singleShotTurn awaits the complete answer, relays it once with sources and
// timing, then synthesizes it sentence by sentence.
func (c *Conversation) singleShotTurn(ctx context.Context, transcript, history string) (string, int64, bool) {
	resp, err := c.cfg.Retrieval.Query(ctx, transcript, history)
	if err != nil {
		if ctx.Err() != nil {
			return "", 0, false
		}
		slog.Error("rag query failed", "session_id", c.cfg.SessionID, "error", err)
		metrics.Errors.WithLabelValues("turn", "rag_failed").Inc()
		c.send(protocol.NewError("rag_failed", "Failed to get RAG response"))
		return "", 0, false
	}

	msg := protocol.NewRAGResponse(resp.Answer)
	msg.Sources = resp.Sources
	msg.ProcessingTimeMs = resp.ProcessingTimeMs
	msg.ModelUsed = resp.ModelUsed
	c.send(msg)

	c.setState(session.StateSpeaking)
	for i, sentence := range text.SplitSentences(resp.Answer) {
		c.speakSentence(ctx, sentence, i)
	}

	return resp.Answer, resp.ProcessingTimeMs, true
}

// speakSentence synthesizes one sentence with bounded retries and relays the
// audio. A sentence that exhausts its retries is skipped, never aborting the
// remaining sentences.
func (c *Conversation) speakSentence(ctx context.Context, sentence string, index int) {
	c.mu.Lock()
	if c.ttsClient == nil {
		c.ttsClient = c.cfg.NewSynthesis()
	}
	client := c.ttsClient
	c.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			metrics.SynthesisRetries.Inc()
			delay := c.cfg.RetryBaseDelay * (1 << (attempt - 1))
			slog.Warn("retrying sentence synthesis",
				"session_id", c.cfg.SessionID, "sentence_index", index, "attempt", attempt, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}

		start := time.Now()
		chunks, err := c.relaySynthesis(ctx, client, sentence, index)
		if err == nil {
			metrics.StageDuration.WithLabelValues("tts").Observe(time.Since(start).Seconds())
			slog.Debug("sentence synthesized", "session_id", c.cfg.SessionID, "sentence_index", index, "chunks", chunks)
			return
		}
		if ctx.Err() != nil {
			return
		}
		lastErr = err
	}

	metrics.SentencesFailed.Inc()
	slog.Error("sentence synthesis exhausted retries, skipping",
		"session_id", c.cfg.SessionID, "sentence_index", index, "error", lastErr)
}

func (c *Conversation) relaySynthesis(ctx context.Context, client SynthesisClient, sentence string, index int) (int, error) {
	chunks := 0
	for chunk, err := range client.StreamSynthesis(ctx, sentence) {
		if err != nil {
			return chunks, err
		}
		c.send(protocol.NewAudioChunkTTS(base64.StdEncoding.EncodeToString(chunk), index, false))
		metrics.AudioChunksOut.Inc()
		chunks++
	}
	return chunks, nil
}

// releaseTurnClients drops the per-turn backend connections; they reconnect
// lazily on the next turn.
func (c *Conversation) releaseTurnClients() {
	c.mu.Lock()
	asrClient, ttsClient := c.asrClient, c.ttsClient
	c.mu.Unlock()

	if asrClient != nil {
		asrClient.Disconnect()
	}
	if ttsClient != nil {
		ttsClient.Disconnect()
	}
}

// setState transitions the conversation and the registry record, announcing
// the change to the client.
func (c *Conversation) setState(state session.State) {
	c.mu.Lock()
	previous := c.state
	c.state = state
	c.mu.Unlock()

	c.cfg.Registry.UpdateState(c.cfg.SessionID, state)
	c.send(protocol.NewStateUpdate(state, previous))
}

// sendError reports a failure, passes through ERROR, and settles back in
// IDLE so the session stays usable. Teardown skips the recovery transition.
func (c *Conversation) sendError(code, detail string) {
	c.send(protocol.NewError(code, detail))
	c.setState(session.StateError)

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.setState(session.StateIdle)
}

func (c *Conversation) send(msg any) {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if !active {
		return
	}
	c.cfg.Send(msg)
}
