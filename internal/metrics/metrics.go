// sentiric-voice-orchestrator/internal/metrics/metrics.go
package metrics

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const namespace = "sentiric_voice"

var (
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_processed_total",
		Help:      "Total number of lifecycle events processed",
	}, []string{"event_type"})

	EventsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_failed_total",
		Help:      "Total number of lifecycle events that failed processing",
	}, []string{"event_type", "reason"})

	ActiveCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_calls",
		Help:      "Number of calls currently owned by the orchestrator",
	})

	CallsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "calls_rejected_total",
		Help:      "Call-start events rejected at admission",
	}, []string{"reason"})

	PhaseTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "phase_transitions_total",
		Help:      "Accepted conversation phase transitions",
	}, []string{"from", "to", "forced"})

	InvalidTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "invalid_transitions_total",
		Help:      "Rejected conversation phase transitions",
	}, []string{"from", "to"})

	PhaseSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "call_phase_seconds",
		Help:      "Total time a call spent in each phase, observed at call end",
		Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 900},
	}, []string{"phase"})

	TurnLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "turn_latency_seconds",
		Help:      "Time from speech end to first outbound audio",
		Buckets:   []float64{0.25, 0.5, 0.75, 1, 1.5, 2, 3, 5, 10},
	}, []string{"degraded"})

	DegradedTurns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "degraded_turns_total",
		Help:      "Assistant turns served with fallback content",
	}, []string{"reason"})

	PromptOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "prompt_overflows_total",
		Help:      "Prompts where the latest user turn alone exceeded the budget",
	})

	UpstreamAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_attempts_total",
		Help:      "Individual upstream attempts by classified result",
	}, []string{"dependency", "kind"})

	UpstreamOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_outcomes_total",
		Help:      "Final results of resilient upstream invocations",
	}, []string{"dependency", "kind"})

	CircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "circuit_state",
		Help:      "Circuit breaker state per dependency (0=closed, 1=open, 2=half_open)",
	}, []string{"dependency"})

	DependencyHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dependency_healthy",
		Help:      "Result of the last health check per dependency (1=healthy)",
	}, []string{"dependency"})

	ReportsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reports_dropped_total",
		Help:      "Reports dropped because the dispatcher buffer was full",
	}, []string{"kind"})
)

// StartServer, /metrics uç noktasını verilen portta sunar. Bloklar.
func StartServer(port string, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%s", port)
	log.Info().Str("addr", addr).Msg("Metrik sunucusu başlatılıyor.")
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("Metrik sunucusu durdu.")
	}
}
