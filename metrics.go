// Copyright (c) 2023-2026 Lin Haoyu <verto@vertohttp.org>.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Engine instrumentation. Collectors are package level and shared by
// both execution models; callers register them on their own registry.

package verto

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricConnsAccepted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "verto",
		Name:      "connections_accepted_total",
		Help:      "Connections accepted, by execution model.",
	}, []string{"model"})

	metricActiveConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "verto",
		Name:      "connections_active",
		Help:      "Connections currently being served.",
	})

	metricRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "verto",
		Name:      "requests_total",
		Help:      "Requests processed, by response status class.",
	}, []string{"class"})

	metricUpgrades = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "verto",
		Name:      "upgrades_total",
		Help:      "Connections handed off to upgrade handlers.",
	})
)

// RegisterMetrics registers the engine collectors with reg.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, collector := range []prometheus.Collector{
		metricConnsAccepted, metricActiveConns, metricRequests, metricUpgrades,
	} {
		if err := reg.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}
