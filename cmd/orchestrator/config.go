package main

import (
	"os"
	"strconv"
	"time"

	"github.com/mohamedhanafy31/E-commerce-Arabic-RAG/internal/session"
)

type config struct {
	port string

	asrServiceURL string
	ragServiceURL string
	ttsServiceURL string

	asrTimeout time.Duration
	ragTimeout time.Duration
	ttsTimeout time.Duration

	maxConcurrentSessions int
	sessionTimeout        time.Duration
	sweepInterval         time.Duration
	maxSessionHistory     int

	maxRetries     int
	retryBaseDelay time.Duration

	transcriptGraceWait time.Duration
	sentenceWait        time.Duration
	ragPoolSize         int
	ragMaxResults       int

	ttsLanguageCode string
	ttsVoiceGender  string
	ttsEncoding     string

	sentenceStreaming   bool
	conversationHistory bool

	defaultAudio session.AudioConfig
}

func loadConfig() config {
	return config{
		port: envStr("PORT", "8004"),

		asrServiceURL: envStr("ASR_SERVICE_URL", "ws://localhost:8001"),
		ragServiceURL: envStr("RAG_SERVICE_URL", "http://localhost:8002"),
		ttsServiceURL: envStr("TTS_SERVICE_URL", "ws://localhost:8003"),

		asrTimeout: envDuration("ASR_TIMEOUT_SECONDS", 30*time.Second),
		ragTimeout: envDuration("RAG_TIMEOUT_SECONDS", 60*time.Second),
		ttsTimeout: envDuration("TTS_TIMEOUT_SECONDS", 30*time.Second),

		maxConcurrentSessions: envInt("MAX_CONCURRENT_SESSIONS", 100),
		sessionTimeout:        envDuration("SESSION_TIMEOUT_SECONDS", 5*time.Minute),
		sweepInterval:         envDuration("SESSION_SWEEP_SECONDS", time.Minute),
		maxSessionHistory:     envInt("MAX_SESSION_HISTORY", 10),

		maxRetries:     envInt("MAX_RETRIES", 3),
		retryBaseDelay: envDuration("RETRY_DELAY_SECONDS", time.Second),

		transcriptGraceWait: envDuration("TRANSCRIPT_GRACE_SECONDS", time.Second),
		sentenceWait:        envDuration("SENTENCE_WAIT_MS", 100*time.Millisecond),
		ragPoolSize:         envInt("RAG_POOL_SIZE", 20),
		ragMaxResults:       envInt("RAG_MAX_RESULTS", 5),

		ttsLanguageCode: envStr("TTS_LANGUAGE_CODE", "ar-XA"),
		ttsVoiceGender:  envStr("TTS_VOICE_GENDER", "male"),
		ttsEncoding:     envStr("TTS_AUDIO_ENCODING", "MP3"),

		sentenceStreaming:   envBool("ENABLE_SENTENCE_STREAMING", true),
		conversationHistory: envBool("ENABLE_CONVERSATION_HISTORY", true),

		defaultAudio: session.AudioConfig{
			LanguageCode:    envStr("DEFAULT_LANGUAGE_CODE", "ar-EG"),
			SampleRateHertz: envInt("AUDIO_SAMPLE_RATE", 16000),
			Encoding:        envStr("AUDIO_FORMAT", "LINEAR16"),
			Channels:        envInt("AUDIO_CHANNELS", 1),
		},
	}
}

func envStr(key, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func envInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return b
}

// envDuration reads a numeric environment value in the unit implied by the
// key suffix (_SECONDS or _MS) and falls back otherwise.
func envDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return fallback
	}
	unit := time.Second
	if len(key) > 3 && key[len(key)-3:] == "_MS" {
		unit = time.Millisecond
	}
	return time.Duration(n * float64(unit))
}
