// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BusDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tapgrid_bus_dropped_total",
		Help: "Total number of event bus messages dropped, by topic and reason",
	}, []string{"topic", "reason"})

	BusPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tapgrid_bus_published_total",
		Help: "Total number of events published to the bus, by topic",
	}, []string{"topic"})

	BusSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tapgrid_bus_subscribers",
		Help: "Current number of connected bus subscribers",
	})
)

// IncBusDrop records a dropped bus message with a concrete reason.
func IncBusDrop(topic, reason string) {
	if topic == "" {
		topic = "unknown"
	}
	if reason == "" {
		reason = "unknown"
	}
	BusDroppedTotal.WithLabelValues(topic, reason).Inc()
}
