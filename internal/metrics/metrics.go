// Package metrics exposes the router's Prometheus instrumentation. All
// counters here are diagnostic only and never feed back into routing
// decisions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Routing metrics
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cascade_requests_total",
			Help: "Total number of requests routed",
		},
		[]string{"mode", "status"},
	)

	TierAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cascade_tier_attempts_total",
			Help: "Total tier attempts by tier and outcome",
		},
		[]string{"tier", "outcome"},
	)

	TierDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cascade_tier_duration_seconds",
			Help:    "Wall-clock time spent per tier attempt",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tier"},
	)

	NoLLMRate = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cascade_no_llm_rate",
			Help: "Fraction of requests resolved by the two cheap tiers",
		},
	)

	// Deadline metrics
	CallTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cascade_call_timeouts_total",
			Help: "Streaming call timeouts by kind (ttft/idle/absolute)",
		},
		[]string{"kind"},
	)

	SchedulerDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cascade_scheduler_decisions_total",
			Help: "Stream intent scheduler decisions by action",
		},
		[]string{"action"},
	)

	// Mode metrics
	ModeTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cascade_mode_transitions_total",
			Help: "Mode escalations by from/to/cause",
		},
		[]string{"from", "to", "cause"},
	)

	// Budget metrics
	BudgetExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cascade_budget_exhausted_total",
			Help: "Requests that ran out of budget before completing",
		},
	)

	BudgetSeeded = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cascade_budget_seeded_seconds",
			Help:    "Initial total budgets proposed by the duration predictor",
			Buckets: []float64{5, 10, 30, 60, 120, 300, 600},
		},
	)

	// Backend metrics
	BackendCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cascade_backend_calls_total",
			Help: "Backend streaming calls by variant and outcome",
		},
		[]string{"variant", "outcome"},
	)

	BackendRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cascade_backend_retries_total",
			Help: "Same-step fallbacks to the light variant",
		},
	)

	RateLimitDelay = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cascade_rate_limit_delay_seconds",
			Help:    "Delay imposed by rate control before backend dispatch",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"variant"},
	)
)

// RecordTierAttempt records one tier attempt.
func RecordTierAttempt(tier, outcome string, durationSeconds float64) {
	TierAttempts.WithLabelValues(tier, outcome).Inc()
	if durationSeconds > 0 {
		TierDuration.WithLabelValues(tier).Observe(durationSeconds)
	}
}

// RecordModeTransition records one mode escalation.
func RecordModeTransition(from, to, cause string) {
	ModeTransitions.WithLabelValues(from, to, cause).Inc()
}

// RecordBackendCall records one backend streaming call.
func RecordBackendCall(variant, outcome string, retried bool) {
	BackendCalls.WithLabelValues(variant, outcome).Inc()
	if retried {
		BackendRetries.Inc()
	}
}
