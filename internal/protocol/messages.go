// Package protocol defines the typed message set spoken between the gateway
// and connected clients. Every server→client payload is JSON with a "type"
// tag; inbound control messages pass through a single Decode boundary so the
// rest of the code never touches raw maps.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mohamedhanafy31/E-commerce-Arabic-RAG/internal/session"
)

// Message type tags.
const (
	TypeReady         = "ready"
	TypeStateUpdate   = "state_update"
	TypeAudioEnd      = "audio_end"
	TypeTranscript    = "transcript"
	TypeRAGResponse   = "rag_response"
	TypeAudioChunkTTS = "audio_chunk_tts"
	TypeComplete      = "complete"
	TypeError         = "error"
)

// Ready is sent once after a session is created.
type Ready struct {
	Type        string              `json:"type"`
	SessionID   string              `json:"session_id"`
	AudioConfig session.AudioConfig `json:"audio_config"`
	Timestamp   time.Time           `json:"timestamp"`
}

// NewReady builds a ready message with the current timestamp.
func NewReady(sessionID string, cfg session.AudioConfig) Ready {
	return Ready{Type: TypeReady, SessionID: sessionID, AudioConfig: cfg, Timestamp: time.Now().UTC()}
}

// StateUpdate announces a conversation state transition.
type StateUpdate struct {
	Type          string        `json:"type"`
	State         session.State `json:"state"`
	PreviousState session.State `json:"previous_state,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}

func NewStateUpdate(state, previous session.State) StateUpdate {
	return StateUpdate{Type: TypeStateUpdate, State: state, PreviousState: previous, Timestamp: time.Now().UTC()}
}

// Transcript relays one transcription event, interim or final.
type Transcript struct {
	Type       string    `json:"type"`
	Text       string    `json:"text"`
	IsFinal    bool      `json:"is_final"`
	Confidence float64   `json:"confidence,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

func NewTranscript(text string, isFinal bool, confidence float64) Transcript {
	return Transcript{Type: TypeTranscript, Text: text, IsFinal: isFinal, Confidence: confidence, Timestamp: time.Now().UTC()}
}

// RAGResponse carries generated answer text, either one sentence at a time
// in streaming mode or the full answer with sources in single-shot mode.
type RAGResponse struct {
	Type             string           `json:"type"`
	Text             string           `json:"text"`
	Sources          []map[string]any `json:"sources,omitempty"`
	ProcessingTimeMs int64            `json:"processing_time_ms,omitempty"`
	ModelUsed        string           `json:"model_used,omitempty"`
	Timestamp        time.Time        `json:"timestamp"`
}

func NewRAGResponse(text string) RAGResponse {
	return RAGResponse{Type: TypeRAGResponse, Text: text, Timestamp: time.Now().UTC()}
}

// AudioChunkTTS delivers one synthesized audio chunk. Unlike inbound audio,
// the payload is base64 inside the JSON envelope so every server→client TTS
// message stays JSON-parseable.
type AudioChunkTTS struct {
	Type          string    `json:"type"`
	AudioData     string    `json:"audio_data"`
	SentenceIndex int       `json:"sentence_index"`
	IsFinalChunk  bool      `json:"is_final_chunk"`
	Timestamp     time.Time `json:"timestamp"`
}

func NewAudioChunkTTS(audioData string, sentenceIndex int, isFinal bool) AudioChunkTTS {
	return AudioChunkTTS{Type: TypeAudioChunkTTS, AudioData: audioData, SentenceIndex: sentenceIndex, IsFinalChunk: isFinal, Timestamp: time.Now().UTC()}
}

// Complete marks the end of one turn. It is always the last event of a turn.
type Complete struct {
	Type                  string    `json:"type"`
	SessionID             string    `json:"session_id"`
	TotalProcessingTimeMs int64     `json:"total_processing_time_ms,omitempty"`
	Timestamp             time.Time `json:"timestamp"`
}

func NewComplete(sessionID string, totalMs int64) Complete {
	return Complete{Type: TypeComplete, SessionID: sessionID, TotalProcessingTimeMs: totalMs, Timestamp: time.Now().UTC()}
}

// Error reports a failure to the client with a stable code.
type Error struct {
	Type      string    `json:"type"`
	ErrorCode string    `json:"error_code"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}

func NewError(code, detail string) Error {
	return Error{Type: TypeError, ErrorCode: code, Detail: detail, Timestamp: time.Now().UTC()}
}

// AudioEnd is the only inbound control message: the client signals the end
// of its utterance.
type AudioEnd struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}

// Inbound is implemented by every control message a client may send.
type Inbound interface {
	inbound()
}

func (AudioEnd) inbound() {}

// Decode parses an inbound text frame into its typed message.
// Unknown types and malformed JSON return an error; callers log and ignore.
func Decode(data []byte) (Inbound, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("decode control message: %w", err)
	}

	switch tag.Type {
	case TypeAudioEnd:
		var msg AudioEnd
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decode audio_end: %w", err)
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("unknown message type %q", tag.Type)
	}
}
