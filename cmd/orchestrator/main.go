package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mohamedhanafy31/E-commerce-Arabic-RAG/internal/asr"
	"github.com/mohamedhanafy31/E-commerce-Arabic-RAG/internal/conversation"
	"github.com/mohamedhanafy31/E-commerce-Arabic-RAG/internal/rag"
	"github.com/mohamedhanafy31/E-commerce-Arabic-RAG/internal/session"
	"github.com/mohamedhanafy31/E-commerce-Arabic-RAG/internal/tts"
	"github.com/mohamedhanafy31/E-commerce-Arabic-RAG/internal/ws"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg := loadConfig()

	registry := session.NewRegistry(session.RegistryConfig{
		MaxSessions:    cfg.maxConcurrentSessions,
		SessionTimeout: cfg.sessionTimeout,
		SweepInterval:  cfg.sweepInterval,
		MaxHistory:     cfg.maxSessionHistory,
	})

	ragClient := rag.NewClient(rag.ClientConfig{
		BaseURL:      cfg.ragServiceURL,
		Timeout:      cfg.ragTimeout,
		PoolSize:     cfg.ragPoolSize,
		MaxResults:   cfg.ragMaxResults,
		SentenceWait: cfg.sentenceWait,
	})

	handler := ws.NewHandler(ws.HandlerConfig{
		Registry:  registry,
		Retrieval: ragClient,
		NewTranscription: func() conversation.TranscriptionClient {
			return asr.NewClient(cfg.asrServiceURL+"/ws/asr-stream", cfg.asrTimeout)
		},
		NewSynthesis: func() conversation.SynthesisClient {
			return tts.NewClient(tts.ClientConfig{
				URL:               cfg.ttsServiceURL + "/ws/tts-stream",
				LanguageCode:      cfg.ttsLanguageCode,
				VoiceGender:       cfg.ttsVoiceGender,
				AudioEncoding:     cfg.ttsEncoding,
				Timeout:           cfg.ttsTimeout,
				InterSentenceWait: cfg.sentenceWait,
			})
		},
		DefaultAudio:        cfg.defaultAudio,
		TranscriptGraceWait: cfg.transcriptGraceWait,
		SentenceStreaming:   cfg.sentenceStreaming,
		HistoryEnabled:      cfg.conversationHistory,
		MaxRetries:          cfg.maxRetries,
		RetryBaseDelay:      cfg.retryBaseDelay,
	})

	mux := http.NewServeMux()
	registerRoutes(mux, deps{
		cfg:       cfg,
		registry:  registry,
		ragClient: ragClient,
		wsHandler: handler,
	})

	addr := ":" + cfg.port
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		registry.Close()
	}()

	slog.Info("orchestrator starting",
		"addr", addr,
		"max_concurrent_sessions", cfg.maxConcurrentSessions,
		"asr", cfg.asrServiceURL,
		"rag", cfg.ragServiceURL,
		"tts", cfg.ttsServiceURL,
	)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}

	slog.Info("orchestrator stopped")
}
