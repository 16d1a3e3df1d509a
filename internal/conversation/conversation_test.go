package conversation_test

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/mohamedhanafy31/E-commerce-Arabic-RAG/internal/asr"
	"github.com/mohamedhanafy31/E-commerce-Arabic-RAG/internal/conversation"
	"github.com/mohamedhanafy31/E-commerce-Arabic-RAG/internal/protocol"
	"github.com/mohamedhanafy31/E-commerce-Arabic-RAG/internal/rag"
	"github.com/mohamedhanafy31/E-commerce-Arabic-RAG/internal/session"
)

// fakeTranscription scripts transcript events through the Listen callback.
type fakeTranscription struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	chunks     [][]byte
	events     chan asr.TranscriptEvent
	stop       sync.Once
}

func newFakeTranscription() *fakeTranscription {
	return &fakeTranscription{events: make(chan asr.TranscriptEvent, 16)}
}

func (f *fakeTranscription) Connect(ctx context.Context, cfg asr.Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeTranscription) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTranscription) SendAudioChunk(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, data)
	return nil
}

func (f *fakeTranscription) Listen(callback func(asr.TranscriptEvent)) {
	for ev := range f.events {
		callback(ev)
	}
}

func (f *fakeTranscription) StopListening() {
	f.stop.Do(func() { close(f.events) })
}

func (f *fakeTranscription) Disconnect() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.StopListening()
}

func (f *fakeTranscription) emit(text string, isFinal bool) {
	f.events <- asr.TranscriptEvent{Type: "transcript", Text: text, IsFinal: isFinal, Confidence: 0.9}
}

// fakeSynthesis yields one chunk per sentence, failing the first `failures`
// calls to exercise the retry path.
type fakeSynthesis struct {
	mu       sync.Mutex
	failures int
	calls    []string
}

func (f *fakeSynthesis) StreamSynthesis(ctx context.Context, text string) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		f.mu.Lock()
		f.calls = append(f.calls, text)
		fail := f.failures > 0
		if fail {
			f.failures--
		}
		f.mu.Unlock()

		if fail {
			yield(nil, errors.New("synthesis backend unavailable"))
			return
		}
		yield([]byte("pcm"), nil)
	}
}

func (f *fakeSynthesis) Disconnect() {}

func (f *fakeSynthesis) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeRetrieval replays scripted sentences or errors and records the query.
type fakeRetrieval struct {
	mu        sync.Mutex
	sentences []string
	streamErr error
	resp      *rag.QueryResponse
	queryErr  error

	gotQuery   string
	gotHistory string
}

func (f *fakeRetrieval) Query(ctx context.Context, query, history string) (*rag.QueryResponse, error) {
	f.mu.Lock()
	f.gotQuery, f.gotHistory = query, history
	f.mu.Unlock()
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.resp, nil
}

func (f *fakeRetrieval) StreamSentences(ctx context.Context, query, history string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		f.mu.Lock()
		f.gotQuery, f.gotHistory = query, history
		f.mu.Unlock()
		if f.streamErr != nil {
			yield("", f.streamErr)
			return
		}
		for _, s := range f.sentences {
			if !yield(s, nil) {
				return
			}
		}
	}
}

func (f *fakeRetrieval) query() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gotQuery
}

// recorder collects every outbound event in send order.
type recorder struct {
	mu   sync.Mutex
	msgs []any
}

func (r *recorder) send(msg any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) snapshot() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]any, len(r.msgs))
	copy(out, r.msgs)
	return out
}

func (r *recorder) waitFor(t *testing.T, pred func([]any) bool) []any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := r.snapshot(); pred(msgs) {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for events, got %v", tags(r.snapshot()))
	return nil
}

func tags(msgs []any) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		switch v := m.(type) {
		case protocol.Ready:
			out = append(out, v.Type)
		case protocol.StateUpdate:
			out = append(out, v.Type+":"+string(v.State))
		case protocol.Transcript:
			out = append(out, v.Type)
		case protocol.RAGResponse:
			out = append(out, v.Type)
		case protocol.AudioChunkTTS:
			out = append(out, v.Type)
		case protocol.Complete:
			out = append(out, v.Type)
		case protocol.Error:
			out = append(out, v.Type+":"+v.ErrorCode)
		default:
			out = append(out, "unknown")
		}
	}
	return out
}

func hasTag(msgs []any, tag string) bool {
	for _, t := range tags(msgs) {
		if t == tag {
			return true
		}
	}
	return false
}

type fixture struct {
	conv *conversation.Conversation
	reg  *session.Registry
	id   string
	asr  *fakeTranscription
	tts  *fakeSynthesis
	rag  *fakeRetrieval
	rec  *recorder
}

func newFixture(t *testing.T, mutate func(*conversation.Config)) *fixture {
	t.Helper()

	reg := session.NewRegistry(session.RegistryConfig{SweepInterval: time.Hour})
	t.Cleanup(reg.Close)
	id, err := reg.Create(session.AudioConfig{LanguageCode: "ar-EG", SampleRateHertz: 16000, Encoding: "LINEAR16", Channels: 1})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	f := &fixture{
		reg: reg,
		id:  id,
		asr: newFakeTranscription(),
		tts: &fakeSynthesis{},
		rag: &fakeRetrieval{},
		rec: &recorder{},
	}

	cfg := conversation.Config{
		Registry:            reg,
		SessionID:           id,
		Send:                f.rec.send,
		NewTranscription:    func() conversation.TranscriptionClient { return f.asr },
		NewSynthesis:        func() conversation.SynthesisClient { return f.tts },
		Retrieval:           f.rag,
		TranscriptGraceWait: 10 * time.Millisecond,
		SentenceStreaming:   true,
		HistoryEnabled:      true,
		MaxRetries:          3,
		RetryBaseDelay:      time.Millisecond,
		CloseJoinWait:       time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	f.conv = conversation.New(cfg)
	t.Cleanup(f.conv.Close)
	return f
}

func TestStartEntersListening(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	f.conv.Start()
	if got := f.conv.State(); got != session.StateListening {
		t.Fatalf("state = %q, want %q", got, session.StateListening)
	}
	msgs := f.rec.snapshot()
	if len(msgs) != 1 || !hasTag(msgs, "state_update:listening") {
		t.Errorf("events = %v, want single state_update:listening", tags(msgs))
	}
}

func TestAudioRejectedOutsideListening(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	// Still IDLE: both audio paths must refuse without side effects.
	if err := f.conv.ProcessAudioChunk([]byte{1, 2}); !errors.Is(err, conversation.ErrNotListening) {
		t.Errorf("ProcessAudioChunk in idle: got %v, want ErrNotListening", err)
	}
	if err := f.conv.EndAudioInput(); !errors.Is(err, conversation.ErrNotListening) {
		t.Errorf("EndAudioInput in idle: got %v, want ErrNotListening", err)
	}
	if f.asr.Connected() {
		t.Error("transcription client connected despite rejected audio")
	}
}

func TestAudioRejectedWhileProcessing(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(cfg *conversation.Config) {
		cfg.TranscriptGraceWait = 200 * time.Millisecond
	})

	f.conv.Start()
	if err := f.conv.EndAudioInput(); err != nil {
		t.Fatalf("EndAudioInput: %v", err)
	}
	if err := f.conv.EndAudioInput(); !errors.Is(err, conversation.ErrNotListening) {
		t.Errorf("second EndAudioInput: got %v, want ErrNotListening", err)
	}
	if err := f.conv.ProcessAudioChunk([]byte{1}); !errors.Is(err, conversation.ErrNotListening) {
		t.Errorf("ProcessAudioChunk while processing: got %v, want ErrNotListening", err)
	}
}

// Full happy path in streaming mode: transcript relay, per-sentence speaking,
// completion, and the turn landing in history.
func TestStreamingTurn(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.rag.sentences = []string{"الجملة الأولى.", "الجملة الثانية."}

	f.conv.Start()
	if err := f.conv.ProcessAudioChunk([]byte("audio")); err != nil {
		t.Fatalf("ProcessAudioChunk: %v", err)
	}
	f.asr.emit("ما هو", false)
	f.asr.emit("ما هو السعر؟", true)
	f.rec.waitFor(t, func(msgs []any) bool {
		n := 0
		for _, m := range msgs {
			if _, ok := m.(protocol.Transcript); ok {
				n++
			}
		}
		return n == 2
	})

	if err := f.conv.EndAudioInput(); err != nil {
		t.Fatalf("EndAudioInput: %v", err)
	}
	msgs := f.rec.waitFor(t, func(msgs []any) bool { return hasTag(msgs, "state_update:idle") })

	want := []string{
		"state_update:listening",
		"transcript",
		"transcript",
		"state_update:processing",
		"rag_response",
		"state_update:speaking",
		"audio_chunk_tts",
		"rag_response",
		"state_update:speaking",
		"audio_chunk_tts",
		"complete",
		"state_update:idle",
	}
	got := tags(msgs)
	if len(got) != len(want) {
		t.Fatalf("event sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}

	if q := f.rag.query(); q != "ما هو السعر؟" {
		t.Errorf("retrieval query = %q, want final transcript", q)
	}

	history := f.reg.History(f.id)
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
	if history[0].AssistantResponse != "الجملة الأولى. الجملة الثانية." {
		t.Errorf("stored answer = %q", history[0].AssistantResponse)
	}
}

// A final segment replaces the interim scratch; finals join in arrival order.
func TestTranscriptAccumulation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.rag.sentences = []string{"حسنا."}

	f.conv.Start()
	if err := f.conv.ProcessAudioChunk([]byte("audio")); err != nil {
		t.Fatalf("ProcessAudioChunk: %v", err)
	}
	f.asr.emit("كم", false)
	f.asr.emit("كم سعر الحذاء؟", true)
	f.asr.emit("وهل", false)
	f.asr.emit("وهل يوجد توصيل؟", true)
	f.rec.waitFor(t, func(msgs []any) bool {
		n := 0
		for _, m := range msgs {
			if _, ok := m.(protocol.Transcript); ok {
				n++
			}
		}
		return n == 4
	})

	if err := f.conv.EndAudioInput(); err != nil {
		t.Fatalf("EndAudioInput: %v", err)
	}
	f.rec.waitFor(t, func(msgs []any) bool { return hasTag(msgs, "complete") })

	if q := f.rag.query(); q != "كم سعر الحذاء؟ وهل يوجد توصيل؟" {
		t.Errorf("retrieval query = %q, want both finals joined", q)
	}
}

func TestNoTranscriptEndsTurn(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	f.conv.Start()
	if err := f.conv.EndAudioInput(); err != nil {
		t.Fatalf("EndAudioInput: %v", err)
	}
	msgs := f.rec.waitFor(t, func(msgs []any) bool { return hasTag(msgs, "state_update:idle") })

	if !hasTag(msgs, "error:no_transcript") {
		t.Fatalf("events = %v, want error:no_transcript", tags(msgs))
	}
	if hasTag(msgs, "state_update:error") {
		t.Errorf("turn-level failure must not park the session in error: %v", tags(msgs))
	}
	if hasTag(msgs, "complete") {
		t.Errorf("empty turn must not complete: %v", tags(msgs))
	}
	if got := f.conv.State(); got != session.StateIdle {
		t.Errorf("state = %q, want idle", got)
	}
}

func TestRetrievalFailureEndsTurn(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.rag.streamErr = errors.New("retrieval backend unreachable")

	f.conv.Start()
	if err := f.conv.ProcessAudioChunk([]byte("audio")); err != nil {
		t.Fatalf("ProcessAudioChunk: %v", err)
	}
	f.asr.emit("سؤال", true)
	f.rec.waitFor(t, func(msgs []any) bool { return hasTag(msgs, "transcript") })

	if err := f.conv.EndAudioInput(); err != nil {
		t.Fatalf("EndAudioInput: %v", err)
	}
	msgs := f.rec.waitFor(t, func(msgs []any) bool { return hasTag(msgs, "state_update:idle") })

	if !hasTag(msgs, "error:rag_failed") {
		t.Fatalf("events = %v, want error:rag_failed", tags(msgs))
	}
	if hasTag(msgs, "complete") || hasTag(msgs, "audio_chunk_tts") {
		t.Errorf("failed turn must not speak or complete: %v", tags(msgs))
	}
	if got := f.reg.History(f.id); len(got) != 0 {
		t.Errorf("failed turn stored in history: %d turns", len(got))
	}
}

// A transient synthesis failure is retried with backoff and the turn still
// completes; the failed attempt never aborts the sentence.
func TestSynthesisRetry(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.rag.sentences = []string{"جملة واحدة."}
	f.tts.failures = 1

	f.conv.Start()
	if err := f.conv.ProcessAudioChunk([]byte("audio")); err != nil {
		t.Fatalf("ProcessAudioChunk: %v", err)
	}
	f.asr.emit("سؤال", true)
	f.rec.waitFor(t, func(msgs []any) bool { return hasTag(msgs, "transcript") })

	if err := f.conv.EndAudioInput(); err != nil {
		t.Fatalf("EndAudioInput: %v", err)
	}
	msgs := f.rec.waitFor(t, func(msgs []any) bool { return hasTag(msgs, "complete") })

	if f.tts.callCount() != 2 {
		t.Errorf("synthesis attempts = %d, want 2", f.tts.callCount())
	}
	if !hasTag(msgs, "audio_chunk_tts") {
		t.Errorf("no audio relayed after retry: %v", tags(msgs))
	}
}

// When every retry fails the sentence is skipped and the turn completes.
func TestSynthesisExhaustedSkipsSentence(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.rag.sentences = []string{"جملة متعثرة.", "جملة سليمة."}
	f.tts.failures = 3

	f.conv.Start()
	if err := f.conv.ProcessAudioChunk([]byte("audio")); err != nil {
		t.Fatalf("ProcessAudioChunk: %v", err)
	}
	f.asr.emit("سؤال", true)
	f.rec.waitFor(t, func(msgs []any) bool { return hasTag(msgs, "transcript") })

	if err := f.conv.EndAudioInput(); err != nil {
		t.Fatalf("EndAudioInput: %v", err)
	}
	msgs := f.rec.waitFor(t, func(msgs []any) bool { return hasTag(msgs, "complete") })

	// First sentence burns 3 attempts, second succeeds on its first.
	if f.tts.callCount() != 4 {
		t.Errorf("synthesis attempts = %d, want 4", f.tts.callCount())
	}
	audio := 0
	for _, tag := range tags(msgs) {
		if tag == "audio_chunk_tts" {
			audio++
		}
	}
	if audio != 1 {
		t.Errorf("audio chunks = %d, want 1 (only the healthy sentence)", audio)
	}
}

func TestSingleShotTurn(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(cfg *conversation.Config) {
		cfg.SentenceStreaming = false
	})
	f.rag.resp = &rag.QueryResponse{
		Answer:           "الجملة الأولى. الجملة الثانية.",
		Sources:          []map[string]any{{"title": "منتج"}},
		ProcessingTimeMs: 42,
		ModelUsed:        "gemini",
	}

	f.conv.Start()
	if err := f.conv.ProcessAudioChunk([]byte("audio")); err != nil {
		t.Fatalf("ProcessAudioChunk: %v", err)
	}
	f.asr.emit("سؤال", true)
	f.rec.waitFor(t, func(msgs []any) bool { return hasTag(msgs, "transcript") })

	if err := f.conv.EndAudioInput(); err != nil {
		t.Fatalf("EndAudioInput: %v", err)
	}
	msgs := f.rec.waitFor(t, func(msgs []any) bool { return hasTag(msgs, "complete") })

	var resp *protocol.RAGResponse
	for _, m := range msgs {
		if v, ok := m.(protocol.RAGResponse); ok {
			if resp != nil {
				t.Fatal("single-shot mode sent more than one rag_response")
			}
			resp = &v
		}
	}
	if resp == nil {
		t.Fatal("no rag_response sent")
	}
	if resp.Text != f.rag.resp.Answer || len(resp.Sources) != 1 || resp.ProcessingTimeMs != 42 {
		t.Errorf("rag_response = %+v, want full answer with sources and timing", resp)
	}
	if f.tts.callCount() != 2 {
		t.Errorf("synthesis calls = %d, want one per sentence", f.tts.callCount())
	}
}

func TestHistoryFlowsIntoNextQuery(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.rag.sentences = []string{"الإجابة."}
	f.reg.AddTurn(f.id, session.ConversationTurn{UserQuery: "سؤال سابق", AssistantResponse: "إجابة سابقة"})

	f.conv.Start()
	if err := f.conv.ProcessAudioChunk([]byte("audio")); err != nil {
		t.Fatalf("ProcessAudioChunk: %v", err)
	}
	f.asr.emit("سؤال جديد", true)
	f.rec.waitFor(t, func(msgs []any) bool { return hasTag(msgs, "transcript") })

	if err := f.conv.EndAudioInput(); err != nil {
		t.Fatalf("EndAudioInput: %v", err)
	}
	f.rec.waitFor(t, func(msgs []any) bool { return hasTag(msgs, "complete") })

	f.rag.mu.Lock()
	history := f.rag.gotHistory
	f.rag.mu.Unlock()
	if history == "" {
		t.Fatal("retrieval received no history context")
	}
}

// A connection-level failure passes through ERROR and settles back in IDLE
// instead of stranding the session.
func TestConnectionErrorRecoversToIdle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.asr.connectErr = errors.New("transcription backend unreachable")

	f.conv.Start()
	if err := f.conv.ProcessAudioChunk([]byte("audio")); err == nil {
		t.Fatal("ProcessAudioChunk succeeded despite failed connect")
	}

	if got := f.conv.State(); got != session.StateIdle {
		t.Fatalf("state = %q, want idle after reported error", got)
	}
	msgs := f.rec.snapshot()
	if !hasTag(msgs, "error:asr_connection_failed") {
		t.Fatalf("events = %v, want error:asr_connection_failed", tags(msgs))
	}
	got := tags(msgs)
	want := []string{"state_update:listening", "error:asr_connection_failed", "state_update:error", "state_update:idle"}
	if len(got) != len(want) {
		t.Fatalf("event sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	f.conv.Start()
	f.conv.Close()
	f.conv.Close()

	// Events sent after close are dropped.
	before := len(f.rec.snapshot())
	if err := f.conv.ProcessAudioChunk([]byte{1}); err == nil {
		t.Error("ProcessAudioChunk after close succeeded")
	}
	if after := len(f.rec.snapshot()); after != before {
		t.Errorf("events after close: %d new", after-before)
	}
}
