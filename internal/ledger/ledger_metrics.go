package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	opsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentmarket",
			Name:      "ledger_operations_total",
			Help:      "External funding operations by kind.",
		},
		[]string{"kind"},
	)

	unitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentmarket",
			Name:      "ledger_units_total",
			Help:      "Units of work by outcome (committed, rolled_back).",
		},
		[]string{"outcome"},
	)

	unitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "agentmarket",
			Name:      "ledger_unit_duration_seconds",
			Help:      "Duration of writable units of work.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
	)
)

func init() {
	prometheus.MustRegister(opsTotal, unitsTotal, unitDuration)
}

// observeUnit returns a function that records the outcome and duration of
// one writable unit.
func observeUnit() func(err error) {
	start := time.Now()
	return func(err error) {
		unitDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			unitsTotal.WithLabelValues("rolled_back").Inc()
			return
		}
		unitsTotal.WithLabelValues("committed").Inc()
	}
}
