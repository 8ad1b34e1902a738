// Package metrics exposes Prometheus counters for the event pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Dispatch metrics
	EventsProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_events_processed_total",
			Help: "Total number of events routed through trigger matching",
		},
	)

	EventsDuplicate = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_events_duplicate_total",
			Help: "Total number of duplicate event deliveries skipped",
		},
	)

	TriggersEvaluated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_triggers_evaluated_total",
			Help: "Total number of trigger condition evaluations",
		},
	)

	TriggersMatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_triggers_matched_total",
			Help: "Total number of triggers whose conditions matched",
		},
	)

	JobsEnqueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_jobs_enqueued_total",
			Help: "Total number of action jobs enqueued",
		},
	)

	EventProcessingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pulse_event_processing_duration_seconds",
			Help:    "Time taken to route one event in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Worker metrics
	ActionExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_action_executions_total",
			Help: "Total number of terminal action executions by type and status",
		},
		[]string{"action_type", "status"},
	)

	ActionRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_action_retries_total",
			Help: "Total number of action execution retries",
		},
	)

	ActionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulse_action_duration_seconds",
			Help:    "Action execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action_type"},
	)

	// Circuit breaker metrics
	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"to_state"},
	)

	BreakerSuppressed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_breaker_suppressed_total",
			Help: "Total number of dispatches suppressed by an open circuit",
		},
	)
)

func init() {
	prometheus.MustRegister(EventsProcessed)
	prometheus.MustRegister(EventsDuplicate)
	prometheus.MustRegister(TriggersEvaluated)
	prometheus.MustRegister(TriggersMatched)
	prometheus.MustRegister(JobsEnqueued)
	prometheus.MustRegister(EventProcessingDuration)
	prometheus.MustRegister(ActionExecutions)
	prometheus.MustRegister(ActionRetries)
	prometheus.MustRegister(ActionDuration)
	prometheus.MustRegister(BreakerTransitions)
	prometheus.MustRegister(BreakerSuppressed)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
