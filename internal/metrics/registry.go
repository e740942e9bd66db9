// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DevicesConnected is the number of devices currently visible to the
	// registry.
	DevicesConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tapgrid_devices_connected",
		Help: "Number of connected devices.",
	})

	// RegistryPollsTotal counts registry poll cycles by outcome.
	RegistryPollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tapgrid_registry_polls_total",
		Help: "Registry poll cycles by outcome.",
	}, []string{"outcome"})
)
