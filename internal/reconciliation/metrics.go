package reconciliation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	reconcileHeldMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "held_mismatches",
		Help:      "Open escrows whose ledger hold differs from the escrow amount, as of the last run.",
	})

	reconcileStuckEscrows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "stuck_escrows",
		Help:      "Escrows past their dispute deadline the scheduler has not swept, as of the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileHeldMismatches,
		reconcileStuckEscrows,
		reconcileDuration,
		reconcileErrors,
	)
}

func startRunTimer() func() {
	start := time.Now()
	return func() {
		reconcileDuration.Observe(time.Since(start).Seconds())
	}
}
