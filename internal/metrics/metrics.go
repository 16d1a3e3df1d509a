package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_sessions_active",
		Help: "Currently active conversation sessions",
	})

	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_sessions_total",
		Help: "Total conversation sessions created",
	})

	SessionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_sessions_expired_total",
		Help: "Sessions removed by the inactivity sweep",
	})

	SessionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_sessions_rejected_total",
		Help: "Connection attempts rejected at capacity",
	})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orchestrator_stage_duration_seconds",
		Help:    "Per-stage latency",
		Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.8, 1.0, 2.0, 5.0},
	}, []string{"stage"})

	TurnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orchestrator_turn_duration_seconds",
		Help:    "End-to-end latency from end-of-audio to turn completion",
		Buckets: []float64{0.5, 1.0, 1.5, 2.0, 3.0, 5.0, 8.0, 12.0, 20.0},
	})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_errors_total",
		Help: "Error counts by stage",
	}, []string{"stage", "error_type"})

	AudioChunksIn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_audio_chunks_in_total",
		Help: "Inbound audio chunks received from clients",
	})

	AudioChunksOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_audio_chunks_out_total",
		Help: "Synthesized audio chunks relayed to clients",
	})

	TranscriptEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_transcript_events_total",
		Help: "Transcript events relayed, by finality",
	}, []string{"final"})

	SynthesisRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_synthesis_retries_total",
		Help: "Per-sentence synthesis retry attempts",
	})

	SentencesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_sentences_failed_total",
		Help: "Sentences skipped after exhausting synthesis retries",
	})
)
