package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SpinnersStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gpuload_spinners_started_total",
		Help: "The total number of spin batches submitted and started",
	})

	SpinnersEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gpuload_spinners_ended_total",
		Help: "The total number of spin batches ended, by reason",
	}, []string{"reason"})

	ActiveSpinners = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gpuload_active_spinners",
		Help: "Spinners currently alive (created and not yet freed)",
	})

	SubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gpuload_submissions_total",
		Help: "Command-buffer submissions by driver status",
	}, []string{"status"})

	SpinStartLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gpuload_spin_start_latency_ms",
		Help:    "Latency from submission until the spin batch provably executes, in milliseconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 16), // 10µs to ~330ms
	})

	TimeoutsFired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gpuload_spinner_timeouts_total",
		Help: "Timeout monitors that fired and force-ended their spinner",
	})
)

// End reasons recorded on SpinnersEnded.
const (
	ReasonManual  = "manual"
	ReasonTimeout = "timeout"
	ReasonDrain   = "drain"
)
