// Package metrics holds the Prometheus collectors for the execution lifecycle.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// TransitionsTotal counts applied state transitions.
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentexec_transitions_total",
			Help: "Total number of applied execution state transitions.",
		},
		[]string{"from", "to"},
	)

	// RejectedTransitionsTotal counts transitions refused by the state machine.
	RejectedTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentexec_rejected_transitions_total",
			Help: "Total number of execution state transitions rejected as invalid.",
		},
		[]string{"from", "to"},
	)

	// ActiveWorkers tracks background workers currently registered.
	ActiveWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentexec_active_workers",
			Help: "Number of execution workers currently tracked.",
		},
	)

	// EventPublishFailures counts events the bus did not accept.
	EventPublishFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentexec_event_publish_failures_total",
			Help: "Total number of lifecycle events that failed to publish.",
		},
		[]string{"type"},
	)

	// ExecutionDuration observes wall time from creation to terminal state,
	// including time spent waiting for a worker slot.
	ExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentexec_execution_duration_seconds",
			Help:    "Execution duration from creation to terminal state, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(TransitionsTotal)
	prometheus.MustRegister(RejectedTransitionsTotal)
	prometheus.MustRegister(ActiveWorkers)
	prometheus.MustRegister(EventPublishFailures)
	prometheus.MustRegister(ExecutionDuration)
}
