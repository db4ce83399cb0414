package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DispatchesTotal counts completed dispatches by final outcome.
	// Outcome is "success" or the classified error kind.
	DispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bascule_dispatches_total",
			Help: "Total number of completed dispatches",
		},
		[]string{"category", "outcome"},
	)

	// DispatchDuration tracks end-to-end dispatch latency including
	// retries and backoff.
	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bascule_dispatch_duration_seconds",
			Help:    "Dispatch latency in seconds, including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"category"},
	)

	// RetriesTotal counts retry attempts beyond the first attempt.
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bascule_retries_total",
			Help: "Total number of dispatch retry attempts",
		},
		[]string{"category"},
	)

	// ExecutorInvocations counts interpreter spawns.
	ExecutorInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bascule_executor_invocations_total",
			Help: "Total number of interpreter invocations",
		},
		[]string{"category"},
	)

	// PoolSlots tracks the slot census by state.
	PoolSlots = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bascule_pool_slots",
			Help: "Number of pool slots per state",
		},
		[]string{"state"},
	)

	// CircuitState exposes the breaker state per category:
	// 0 closed, 1 half_open, 2 open.
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bascule_circuit_state",
			Help: "Circuit breaker state per category (0 closed, 1 half_open, 2 open)",
		},
		[]string{"category"},
	)

	// JournalPrunesTotal counts maintenance prune passes.
	JournalPrunesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bascule_journal_prunes_total",
			Help: "Total number of journal prune passes",
		},
	)
)
