// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tapgrid_steps_total",
		Help: "Total scenario steps executed, by status and failure category",
	}, []string{"status", "category"})

	StepDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tapgrid_step_duration_seconds",
		Help:    "Wall-clock duration of scenario steps",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
	}, []string{"node_kind"})

	ScenarioRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tapgrid_scenario_runs_total",
		Help: "Total per-device scenario runs, by final status",
	}, []string{"status"})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tapgrid_sessions_active",
		Help: "Current number of active device sessions",
	})

	SessionCreateFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tapgrid_session_create_failures_total",
		Help: "Failed session creations, by reason",
	}, []string{"reason"}) // reason: unavailable|refused|timeout
)
