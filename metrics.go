package corerun

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is C10's counters/histograms surface, exported for an admin
// dashboard to scrape (spec.md's "metrics history" introspection endpoint
// reads through here rather than hitting Prometheus directly, since a
// single process may run without a scrape target configured).
var (
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corerun_turns_total",
		Help: "Total orchestrator turns, by backend and outcome",
	}, []string{"backend", "outcome"})

	turnLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "corerun_turn_duration_seconds",
		Help:    "RunTurn latency by backend",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend"})

	tokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corerun_tokens_total",
		Help: "Input/output tokens consumed, by backend and direction",
	}, []string{"backend", "direction"})

	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "corerun_circuit_breaker_state",
		Help: "Circuit breaker state per backend: 0=closed, 1=half-open, 2=open",
	}, []string{"backend"})

	dlqDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "corerun_dlq_depth",
		Help: "Current dead-letter queue depth",
	})

	poolSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "corerun_resource_pool_size",
		Help: "Pooled sandbox count by status",
	}, []string{"status"})
)

// RecordTurn records one RunTurn outcome and its latency.
func RecordTurn(backend, outcome string, seconds float64) {
	turnsTotal.WithLabelValues(backend, outcome).Inc()
	turnLatency.WithLabelValues(backend).Observe(seconds)
}

// RecordTokens adds to a backend's token counters.
func RecordTokens(backend string, input, output int) {
	if input > 0 {
		tokensTotal.WithLabelValues(backend, "input").Add(float64(input))
	}
	if output > 0 {
		tokensTotal.WithLabelValues(backend, "output").Add(float64(output))
	}
}

// RecordBreakerState publishes a breaker's current state for a backend.
func RecordBreakerState(backend string, state BreakerState) {
	breakerState.WithLabelValues(backend).Set(float64(state))
}

// RecordDLQDepth publishes the DLQ's current row count.
func RecordDLQDepth(n int) { dlqDepth.Set(float64(n)) }

// RecordPoolSize publishes a pooled-resource count by status.
func RecordPoolSize(status string, n int) { poolSize.WithLabelValues(status).Set(float64(n)) }
