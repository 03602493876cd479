package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// OpsTotal counts ledger operations by type.
	OpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "custodia",
			Name:      "ledger_operations_total",
			Help:      "Total ledger operations by type.",
		},
		[]string{"type"},
	)

	// OpDuration observes operation latency by type.
	OpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "custodia",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		},
		[]string{"type"},
	)

	// FrozenTotal is the sum of frozen_amount over all users, refreshed on
	// every FrozenTotals read.
	FrozenTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "custodia",
			Name:      "ledger_frozen_total",
			Help:      "Sum of all users' frozen amounts in USDC.",
		},
	)

	pinFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "custodia",
			Name:      "ledger_pin_failures_total",
			Help:      "Rejected PIN unlock attempts.",
		},
	)
)

func init() {
	prometheus.MustRegister(OpsTotal, OpDuration, FrozenTotal, pinFailures)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	OpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		OpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}
