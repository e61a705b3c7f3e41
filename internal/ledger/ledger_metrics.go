package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts ledger operations by type.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shamba",
			Name:      "ledger_operations_total",
			Help:      "Total ledger operations by type.",
		},
		[]string{"type"},
	)

	// LedgerOpDuration observes operation latency by type.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "shamba",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// LedgerInvariantViolations counts fatal accounting failures.
	// Any increment here means a bug, not user error.
	LedgerInvariantViolations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "shamba",
			Name:      "ledger_invariant_violations_total",
			Help:      "Total balance underflow/overflow violations detected.",
		},
	)

	// LedgerTrackedBalance tracks the current balance per token kind.
	LedgerTrackedBalance = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "shamba",
			Name:      "ledger_tracked_balance",
			Help:      "Tracked balance per token kind, in whole tokens.",
		},
		[]string{"token"},
	)
)

func init() {
	prometheus.MustRegister(
		LedgerOpsTotal,
		LedgerOpDuration,
		LedgerInvariantViolations,
		LedgerTrackedBalance,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	LedgerOpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		LedgerOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}
