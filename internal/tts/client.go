// Package tts implements the streaming client for the speech-synthesis
// backend: one JSON request per unit of text, answered by a metadata event,
// binary audio frames, and a completion event over a WebSocket connection.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mohamedhanafy31/E-commerce-Arabic-RAG/internal/metrics"
)

// Request is the per-sentence synthesis request.
type Request struct {
	Text              string `json:"text"`
	LanguageCode      string `json:"language_code"`
	VoiceGenderChoice string `json:"voice_gender_choice"`
	AudioEncoding     string `json:"audio_encoding"`
}

// metadataMsg and completeMsg are the backend's control messages.
type metadataMsg struct {
	Type        string `json:"type"`
	VoiceUsed   string `json:"voice_used"`
	TotalChunks int    `json:"total_chunks"`
}

type completeMsg struct {
	Type             string `json:"type"`
	SuccessfulChunks int    `json:"successful_chunks"`
	FailedChunks     int    `json:"failed_chunks"`
	Detail           string `json:"detail"`
}

// ClientConfig holds voice defaults and timing for one synthesis client.
type ClientConfig struct {
	URL               string
	LanguageCode      string
	VoiceGender       string
	AudioEncoding     string
	Timeout           time.Duration
	InterSentenceWait time.Duration
}

// Client owns one connection to the synthesis backend, reconnecting lazily
// per request. Created per session and never shared.
type Client struct {
	cfg ClientConfig

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
}

// NewClient creates a synthesis client for the given WebSocket endpoint
// (e.g. ws://host:8003/ws/tts-stream).
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.InterSentenceWait <= 0 {
		cfg.InterSentenceWait = 100 * time.Millisecond
	}
	if cfg.AudioEncoding == "" {
		cfg.AudioEncoding = "MP3"
	}
	return &Client{cfg: cfg}
}

// StreamSynthesis sends one synthesis request and yields every audio chunk
// in arrival order until the backend reports completion. Each call is a
// fresh logical request; the connection is dialed lazily and torn down on
// any failure so the next call starts clean.
func (c *Client) StreamSynthesis(ctx context.Context, text string) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		conn, err := c.ensureConnected(ctx)
		if err != nil {
			yield(nil, err)
			return
		}

		req := Request{
			Text:              text,
			LanguageCode:      c.cfg.LanguageCode,
			VoiceGenderChoice: c.cfg.VoiceGender,
			AudioEncoding:     c.cfg.AudioEncoding,
		}
		if err := conn.WriteJSON(req); err != nil {
			c.teardown()
			metrics.Errors.WithLabelValues("tts", "send").Inc()
			yield(nil, fmt.Errorf("send tts request: %w", err))
			return
		}

		for {
			if err := ctx.Err(); err != nil {
				c.teardown()
				yield(nil, err)
				return
			}

			conn.SetReadDeadline(time.Now().Add(c.cfg.Timeout))
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				c.teardown()
				metrics.Errors.WithLabelValues("tts", "receive").Inc()
				yield(nil, fmt.Errorf("tts receive: %w", err))
				return
			}

			if msgType == websocket.BinaryMessage {
				if !yield(data, nil) {
					// Consumer stopped mid-stream; drop the connection so
					// leftover frames never bleed into the next request.
					c.teardown()
					return
				}
				continue
			}

			var tag struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(data, &tag); err != nil {
				slog.Warn("tts non-json control message ignored")
				continue
			}

			switch tag.Type {
			case "metadata":
				var meta metadataMsg
				if err := json.Unmarshal(data, &meta); err == nil {
					slog.Debug("tts metadata", "voice", meta.VoiceUsed, "total_chunks", meta.TotalChunks)
				}
			case "complete":
				var done completeMsg
				if err := json.Unmarshal(data, &done); err == nil && done.FailedChunks > 0 {
					slog.Warn("tts completed with failures", "successful", done.SuccessfulChunks, "failed", done.FailedChunks)
				}
				return
			case "error":
				var em completeMsg
				json.Unmarshal(data, &em)
				c.teardown()
				metrics.Errors.WithLabelValues("tts", "backend").Inc()
				yield(nil, fmt.Errorf("tts backend error: %s", em.Detail))
				return
			default:
				slog.Warn("unknown tts control message", "type", tag.Type)
			}
		}
	}
}

// SynthesizeSentences synthesizes each sentence in turn, preserving
// inter-sentence ordering, with a brief pacing delay between sentences.
// A failed sentence ends the sequence with its error.
func (c *Client) SynthesizeSentences(ctx context.Context, sentences []string) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for i, sentence := range sentences {
			if strings.TrimSpace(sentence) == "" {
				continue
			}
			slog.Debug("synthesizing sentence", "index", i, "total", len(sentences))

			for chunk, err := range c.StreamSynthesis(ctx, sentence) {
				if !yield(chunk, err) {
					return
				}
				if err != nil {
					return
				}
			}

			select {
			case <-time.After(c.cfg.InterSentenceWait):
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			}
		}
	}
}

// Synthesize collects a full clip for one unit of text. Used for probes.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	var buf bytes.Buffer
	for chunk, err := range c.StreamSynthesis(ctx, text) {
		if err != nil {
			return nil, err
		}
		buf.Write(chunk)
	}
	if buf.Len() == 0 {
		return nil, errors.New("tts: no audio received")
	}
	return buf.Bytes(), nil
}

// Connected reports whether a live connection is held.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Disconnect drops the connection. Safe to call multiple times.
func (c *Client) Disconnect() {
	c.teardown()
}

func (c *Client) ensureConnected(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return c.conn, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.cfg.URL, nil)
	if err != nil {
		metrics.Errors.WithLabelValues("tts", "connect").Inc()
		return nil, fmt.Errorf("dial tts %s: %w", c.cfg.URL, err)
	}

	c.conn = conn
	c.connected = true
	slog.Info("tts connected", "url", c.cfg.URL)
	return conn, nil
}

func (c *Client) teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
}
