package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileDiff = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paybeam",
		Subsystem: "reconciliation",
		Name:      "escrow_diff_units",
		Help:      "Escrow account balance minus funds held for unsettled invoices, from the last run.",
	})

	reconcileHeldInvoices = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paybeam",
		Subsystem: "reconciliation",
		Name:      "held_invoices",
		Help:      "Unsettled invoices holding payer funds in the last run.",
	})

	reconcileMismatches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paybeam",
		Subsystem: "reconciliation",
		Name:      "mismatches_total",
		Help:      "Runs where the escrow balance disagreed with held payments.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "paybeam",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paybeam",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileDiff,
		reconcileHeldInvoices,
		reconcileMismatches,
		reconcileDuration,
		reconcileErrors,
	)
}
