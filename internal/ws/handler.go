// Package ws is the conversation gateway: it accepts a user's WebSocket
// connection, creates a session, and relays events between the client and
// the conversation pipeline.
package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mohamedhanafy31/E-commerce-Arabic-RAG/internal/conversation"
	"github.com/mohamedhanafy31/E-commerce-Arabic-RAG/internal/metrics"
	"github.com/mohamedhanafy31/E-commerce-Arabic-RAG/internal/protocol"
	"github.com/mohamedhanafy31/E-commerce-Arabic-RAG/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandlerConfig holds the shared collaborators for all conversation sessions.
type HandlerConfig struct {
	Registry  *session.Registry
	Retrieval conversation.RetrievalClient

	NewTranscription func() conversation.TranscriptionClient
	NewSynthesis     func() conversation.SynthesisClient

	DefaultAudio session.AudioConfig

	TranscriptGraceWait time.Duration
	SentenceStreaming   bool
	HistoryEnabled      bool
	MaxRetries          int
	RetryBaseDelay      time.Duration
}

// Handler manages WebSocket conversation sessions.
type Handler struct {
	cfg HandlerConfig
}

// NewHandler creates the gateway handler. Admission control lives in the
// session registry: creation fails once the configured maximum is reached.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{cfg: cfg}
}

// ServeHTTP upgrades the connection and runs the conversation until the
// client disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	h.runSession(conn)
}

func (h *Handler) runSession(conn *websocket.Conn) {
	send := newEventSender(conn)

	sessionID, err := h.cfg.Registry.Create(h.cfg.DefaultAudio)
	if err != nil {
		// At capacity: fatal for this connection attempt, before any ready.
		metrics.SessionsRejected.Inc()
		slog.Warn("session creation rejected", "error", err)
		send(protocol.NewError("session_creation_failed", err.Error()))
		return
	}

	conv := conversation.New(conversation.Config{
		Registry:            h.cfg.Registry,
		SessionID:           sessionID,
		Send:                send,
		NewTranscription:    h.cfg.NewTranscription,
		NewSynthesis:        h.cfg.NewSynthesis,
		Retrieval:           h.cfg.Retrieval,
		TranscriptGraceWait: h.cfg.TranscriptGraceWait,
		SentenceStreaming:   h.cfg.SentenceStreaming,
		HistoryEnabled:      h.cfg.HistoryEnabled,
		MaxRetries:          h.cfg.MaxRetries,
		RetryBaseDelay:      h.cfg.RetryBaseDelay,
	})

	defer func() {
		conv.Close()
		h.cfg.Registry.Delete(sessionID)
	}()

	send(protocol.NewReady(sessionID, h.cfg.DefaultAudio))

	// Backend-driven: tell the client to start recording immediately.
	conv.Start()

	slog.Info("conversation started", "session_id", sessionID)
	h.readLoop(conn, conv, sessionID)
	slog.Info("conversation ended", "session_id", sessionID)
}

// readLoop consumes client frames: binary frames are audio, text frames are
// control messages. Malformed input is logged and ignored.
func (h *Handler) readLoop(conn *websocket.Conn, conv *conversation.Conversation, sessionID string) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			slog.Info("client disconnected", "session_id", sessionID, "error", err)
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			if err := conv.ProcessAudioChunk(data); err != nil {
				slog.Warn("audio chunk rejected", "session_id", sessionID, "error", err)
			}

		case websocket.TextMessage:
			msg, err := protocol.Decode(data)
			if err != nil {
				slog.Warn("unhandled client message", "session_id", sessionID, "error", err)
				continue
			}
			switch msg.(type) {
			case protocol.AudioEnd:
				if err := conv.EndAudioInput(); err != nil {
					slog.Warn("audio_end rejected", "session_id", sessionID, "error", err)
				}
			}
		}
	}
}

// newEventSender returns a conversation.EventSender that serializes all
// writes to the connection. Every outbound payload is a JSON text frame.
func newEventSender(conn *websocket.Conn) conversation.EventSender {
	var mu sync.Mutex
	return func(msg any) {
		data, err := json.Marshal(msg)
		if err != nil {
			slog.Error("marshal outbound message", "error", err)
			return
		}

		mu.Lock()
		defer mu.Unlock()
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			slog.Error("write outbound message", "error", err)
		}
	}
}
