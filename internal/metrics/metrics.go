package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Run counters and histograms, partitioned by environment.

var (
	// Scheduler
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "salebot",
		Subsystem: "scheduler",
		Name:      "ticks_total",
		Help:      "Total dispatch ticks by outcome",
	}, []string{"environment", "outcome"})

	DispatchRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "salebot",
		Subsystem: "scheduler",
		Name:      "dispatch_retries_total",
		Help:      "Broadcast retries after transient network errors",
	}, []string{"environment"})

	DispatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "salebot",
		Subsystem: "scheduler",
		Name:      "dispatch_duration_seconds",
		Help:      "Time from tick to broadcast acceptance",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"environment"})

	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "salebot",
		Subsystem: "scheduler",
		Name:      "runs_total",
		Help:      "Completed runs by terminal state",
	}, []string{"environment", "state"})

	// Detector
	DetectorChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "salebot",
		Subsystem: "detector",
		Name:      "checks_total",
		Help:      "Completion checks by result",
	}, []string{"environment", "result"})

	Confirmations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "salebot",
		Subsystem: "detector",
		Name:      "confirmations_total",
		Help:      "Confirmation waits by result",
	}, []string{"environment", "result"})

	// Fees
	FeePayments = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "salebot",
		Subsystem: "fee",
		Name:      "payments_total",
		Help:      "Fee transactions by phase and outcome",
	}, []string{"environment", "phase", "outcome"})

	// RPC
	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "salebot",
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "RPC calls by method and status",
	}, []string{"environment", "method", "status"})

	RPCLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "salebot",
		Subsystem: "rpc",
		Name:      "call_duration_seconds",
		Help:      "RPC call duration",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"environment", "method"})
)
