package ledger

import "github.com/prometheus/client_golang/prometheus"

var (
	mutationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_mutations_total",
		Help: "Balance mutations by category and outcome.",
	}, []string{"category", "outcome"})

	chipsMoved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_chips_total",
		Help: "Chips moved by committed mutations, by category.",
	}, []string{"category"})
)

func init() {
	prometheus.MustRegister(mutationsTotal, chipsMoved)
}

func observe(category Category, outcome string, amount int64) {
	mutationsTotal.WithLabelValues(string(category), outcome).Inc()
	if outcome == "committed" {
		chipsMoved.WithLabelValues(string(category)).Add(float64(amount))
	}
}
