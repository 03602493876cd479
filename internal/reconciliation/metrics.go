package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileFrozenMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "custodia",
		Subsystem: "reconciliation",
		Name:      "frozen_mismatches",
		Help:      "Users whose frozen total differed from their open deals in the last run.",
	})

	reconcileUnresolved = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "custodia",
		Subsystem: "reconciliation",
		Name:      "unresolved_settlements",
		Help:      "Settlements waiting for an operator in the last run.",
	})

	reconcileRepairs = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "custodia",
		Subsystem: "reconciliation",
		Name:      "repairs_total",
		Help:      "Frozen totals overwritten by reconciliation apply.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "custodia",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "custodia",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation run errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileFrozenMismatches,
		reconcileUnresolved,
		reconcileRepairs,
		reconcileDuration,
		reconcileErrors,
	)
}
