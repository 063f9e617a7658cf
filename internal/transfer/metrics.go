package transfer

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// OpsTotal counts ledger operations by kind and result.
	OpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paybeam",
			Subsystem: "transfer",
			Name:      "operations_total",
			Help:      "Total transfer ledger operations by kind and result.",
		},
		[]string{"kind", "result"},
	)

	// OpDuration observes operation latency by kind.
	OpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "paybeam",
			Subsystem: "transfer",
			Name:      "operation_duration_seconds",
			Help:      "Transfer ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(OpsTotal, OpDuration)
}

// observeOp starts timing an operation and returns a function that records
// its duration and outcome.
func observeOp(kind string) func(err error) {
	start := time.Now()
	return func(err error) {
		OpDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
		OpsTotal.WithLabelValues(kind, result(err)).Inc()
	}
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInvalidTransfer):
		return "invalid"
	default:
		return "error"
	}
}
