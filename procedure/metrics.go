// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package procedure

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the prometheus collectors of an executor. They are not
// registered; callers register Collectors() where they see fit.
type Metrics struct {
	StepLatency *prometheus.HistogramVec
	Retries     *prometheus.CounterVec
	Stalls      *prometheus.CounterVec
	Finished    *prometheus.CounterVec
	Running     prometheus.Gauge
}

// NewMetrics returns a fresh set of collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		StepLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "regions",
			Subsystem: "procedure",
			Name:      "step_duration_seconds",
			Help:      "Latency of procedure step executions.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"type"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "regions",
			Subsystem: "procedure",
			Name:      "retries_total",
			Help:      "Failed procedure step executions that were retried.",
		}, []string{"type"}),
		Stalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "regions",
			Subsystem: "procedure",
			Name:      "stalls_total",
			Help:      "Procedures that stalled past their point of no return.",
		}, []string{"type"}),
		Finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "regions",
			Subsystem: "procedure",
			Name:      "finished_total",
			Help:      "Procedures that reached a terminal status.",
		}, []string{"type", "status"}),
		Running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "regions",
			Subsystem: "procedure",
			Name:      "running",
			Help:      "Procedures that are not terminal.",
		}),
	}
}

// Collectors returns the collectors to register.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.StepLatency, m.Retries, m.Stalls, m.Finished, m.Running}
}
