package settlement

import "github.com/prometheus/client_golang/prometheus"

var outcomes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "custodia",
		Name:      "settlement_outcomes_total",
		Help:      "Custody transfer outcomes by settlement status.",
	},
	[]string{"status"},
)

func init() {
	prometheus.MustRegister(outcomes)
}
