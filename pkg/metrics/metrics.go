// Package metrics exposes the service's Prometheus instrumentation and a
// small query service over a Prometheus server for per-session rollups.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	sessionsAdmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "researchd_sessions_admitted_total",
		Help: "Sessions accepted by the admission gateway, by mode.",
	}, []string{"mode"})

	stageExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "researchd_stage_executions_total",
		Help: "Stage attempt outcomes.",
	}, []string{"stage", "outcome"})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "researchd_stage_duration_seconds",
		Help:    "Wall-clock duration of stage attempts.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"stage"})

	providerCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "researchd_provider_calls_total",
		Help: "Provider invocations by variant and outcome.",
	}, []string{"provider", "outcome"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "researchd_queue_depth",
		Help: "Messages waiting in the work queue.",
	})

	sessionTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "researchd_session_tokens_total",
		Help: "Estimated prompt tokens consumed, by session.",
	}, []string{"session_id"})
)

// Handler returns the scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// IncAdmitted counts one admitted session.
func IncAdmitted(mode string) {
	sessionsAdmitted.WithLabelValues(mode).Inc()
}

// ObserveStage records one stage attempt outcome and its duration.
func ObserveStage(stage, outcome string, elapsed time.Duration) {
	stageExecutions.WithLabelValues(stage, outcome).Inc()
	stageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// RecordProviderCall counts one provider invocation.
func RecordProviderCall(provider, outcome string) {
	providerCalls.WithLabelValues(provider, outcome).Inc()
}

// SetQueueDepth publishes the current work queue depth.
func SetQueueDepth(depth int) {
	queueDepth.Set(float64(depth))
}

// AddSessionTokens accumulates estimated prompt tokens for a session.
func AddSessionTokens(sessionID string, tokens int) {
	if tokens > 0 {
		sessionTokens.WithLabelValues(sessionID).Add(float64(tokens))
	}
}
