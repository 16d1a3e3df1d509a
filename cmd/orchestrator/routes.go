package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohamedhanafy31/E-commerce-Arabic-RAG/internal/rag"
	"github.com/mohamedhanafy31/E-commerce-Arabic-RAG/internal/session"
)

type deps struct {
	cfg       config
	registry  *session.Registry
	ragClient *rag.Client
	wsHandler http.Handler
}

// registerRoutes wires all HTTP endpoints to the shared mux.
func registerRoutes(mux *http.ServeMux, d deps) {
	mux.Handle("/ws/conversation", d.wsHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", d.handleHealth)
	mux.HandleFunc("GET /stats", d.handleStats)
	mux.HandleFunc("GET /{$}", d.handleRoot)
}

func (d deps) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"name":   "conversation-orchestrator",
		"status": "running",
		"endpoints": map[string]string{
			"websocket": "/ws/conversation",
			"health":    "/health",
			"stats":     "/stats",
			"metrics":   "/metrics",
		},
		"configuration": map[string]any{
			"max_concurrent_sessions": d.cfg.maxConcurrentSessions,
			"session_timeout_seconds": int(d.cfg.sessionTimeout.Seconds()),
			"audio_sample_rate":       d.cfg.defaultAudio.SampleRateHertz,
			"audio_format":            d.cfg.defaultAudio.Encoding,
			"default_language":        d.cfg.defaultAudio.LanguageCode,
		},
	})
}

func (d deps) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	stats := d.registry.Stats()
	writeJSON(w, map[string]any{
		"status":          "healthy",
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
		"active_sessions": stats.TotalSessions,
		"max_sessions":    stats.MaxSessions,
		"services": map[string]string{
			"rag": healthLabel(d.ragClient.Health(ctx)),
		},
	})
}

func (d deps) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"sessions": d.registry.Stats(),
		"configuration": map[string]any{
			"max_concurrent_sessions":     d.cfg.maxConcurrentSessions,
			"session_timeout_seconds":     int(d.cfg.sessionTimeout.Seconds()),
			"enable_sentence_streaming":   d.cfg.sentenceStreaming,
			"enable_conversation_history": d.cfg.conversationHistory,
		},
	})
}

func healthLabel(ok bool) string {
	if ok {
		return "healthy"
	}
	return "unreachable"
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response", "error", err)
	}
}
