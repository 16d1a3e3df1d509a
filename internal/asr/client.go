// Package asr implements the streaming client for the transcription backend:
// one JSON configuration handshake, then binary audio frames out and JSON
// transcript events in over a single WebSocket connection.
package asr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mohamedhanafy31/E-commerce-Arabic-RAG/internal/metrics"
)

// ErrNotConnected is returned when audio is sent before a successful
// handshake or after disconnect.
var ErrNotConnected = errors.New("asr: not connected")

// Config is the one-time handshake payload.
type Config struct {
	LanguageCode    string `json:"language_code"`
	SampleRateHertz int    `json:"sample_rate_hertz"`
	Encoding        string `json:"encoding"`
}

// TranscriptEvent is one transcription result, interim or final.
type TranscriptEvent struct {
	Type       string  `json:"type"`
	Text       string  `json:"text"`
	IsFinal    bool    `json:"is_final"`
	Confidence float64 `json:"confidence,omitempty"`
}

// ack is the backend's handshake acknowledgment.
type ack struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// Client owns one connection to the transcription backend. It is created
// per session and never shared.
type Client struct {
	url         string
	dialTimeout time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	listening bool

	stopCh chan struct{}
}

// NewClient creates a client for the given WebSocket endpoint
// (e.g. ws://host:8001/ws/asr-stream).
func NewClient(url string, dialTimeout time.Duration) *Client {
	if dialTimeout <= 0 {
		dialTimeout = 30 * time.Second
	}
	return &Client{url: url, dialTimeout: dialTimeout}
}

// Connect dials the backend, sends the configuration message, and waits for
// the ready acknowledgment. Any failure tears the connection down.
func (c *Client) Connect(ctx context.Context, cfg Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, nil)
	if err != nil {
		metrics.Errors.WithLabelValues("asr", "connect").Inc()
		return fmt.Errorf("dial asr %s: %w", c.url, err)
	}

	if err = conn.WriteJSON(cfg); err != nil {
		conn.Close()
		return fmt.Errorf("send asr config: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(c.dialTimeout))
	var a ack
	if err = conn.ReadJSON(&a); err != nil {
		conn.Close()
		metrics.Errors.WithLabelValues("asr", "handshake").Inc()
		return fmt.Errorf("read asr ack: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	if a.Type != "metadata" || a.Status != "ready" {
		conn.Close()
		metrics.Errors.WithLabelValues("asr", "handshake").Inc()
		return fmt.Errorf("unexpected asr ack: type=%q status=%q", a.Type, a.Status)
	}

	c.conn = conn
	c.connected = true
	c.stopCh = make(chan struct{})
	slog.Info("asr connected", "url", c.url)
	return nil
}

// Connected reports whether the handshake has completed.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SendAudioChunk forwards one binary audio frame to the backend.
func (c *Client) SendAudioChunk(data []byte) error {
	c.mu.Lock()
	conn, ok := c.conn, c.connected
	c.mu.Unlock()

	if !ok {
		return ErrNotConnected
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		metrics.Errors.WithLabelValues("asr", "send").Inc()
		return fmt.Errorf("send audio chunk: %w", err)
	}
	return nil
}

// Listen runs the receive loop, invoking callback for every transcript event
// until the connection closes or StopListening is called. It blocks; callers
// run it in its own goroutine. A second call while listening is a no-op.
func (c *Client) Listen(callback func(TranscriptEvent)) {
	c.mu.Lock()
	if !c.connected || c.listening {
		if c.listening {
			slog.Warn("asr already listening, skipping duplicate call")
		}
		c.mu.Unlock()
		return
	}
	c.listening = true
	conn, stop := c.conn, c.stopCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.listening = false
		c.mu.Unlock()
		slog.Info("asr listen loop stopped")
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			// StopListening unblocks this read by closing the connection.
			select {
			case <-stop:
				return
			default:
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("asr receive", "error", err)
			}
			return
		}

		if msgType != websocket.TextMessage {
			continue
		}

		var ev TranscriptEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			slog.Warn("asr non-json message ignored", "error", err)
			continue
		}

		metrics.TranscriptEvents.WithLabelValues(fmt.Sprintf("%t", ev.IsFinal)).Inc()
		callback(ev)
	}
}

// StopListening signals the receive loop to exit and unblocks its pending
// read by closing the connection. Safe without a loop running.
func (c *Client) StopListening() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopCh != nil {
		select {
		case <-c.stopCh:
		default:
			close(c.stopCh)
		}
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.connected = false
}

// Disconnect closes the connection. Safe to call multiple times.
func (c *Client) Disconnect() {
	c.StopListening()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = nil
}
