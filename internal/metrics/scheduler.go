// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tapgrid_queue_depth",
		Help: "Current number of queued tests, by priority",
	}, []string{"priority"})

	QueueWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tapgrid_queue_wait_seconds",
		Help:    "Time spent waiting in the queue before admission",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 500ms to ~4m
	})

	DeviceLocksHeld = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tapgrid_device_locks_held",
		Help: "Current number of devices locked by running tests",
	})

	ExecutionsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tapgrid_executions_running",
		Help: "Current number of running test executions",
	})

	SubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tapgrid_submissions_total",
		Help: "Total test submissions, by admission outcome",
	}, []string{"outcome"}) // outcome: started|queued|partial|rejected

	InvariantViolationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tapgrid_invariant_violations_total",
		Help: "Scheduler invariant violations detected at runtime",
	}, []string{"kind"})
)

// RecordInvariantViolation counts a detected scheduler invariant violation.
func RecordInvariantViolation(kind string) {
	InvariantViolationsTotal.WithLabelValues(kind).Inc()
}
