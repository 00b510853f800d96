// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exports session activity to Prometheus. A nil *Metrics
// records nothing.
type Metrics struct {
	sessions  *prometheus.CounterVec
	active    prometheus.Gauge
	compiling prometheus.Gauge
	uploads   *prometheus.CounterVec
}

// NewMetrics registers the server metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		sessions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ccfarm",
			Subsystem: "server",
			Name:      "sessions_total",
			Help:      "Finished sessions by outcome.",
		}, []string{"outcome"}),
		active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ccfarm",
			Subsystem: "server",
			Name:      "active_sessions",
			Help:      "Sessions currently open.",
		}),
		compiling: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ccfarm",
			Subsystem: "server",
			Name:      "running_compilers",
			Help:      "Compiler processes currently running.",
		}),
		uploads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ccfarm",
			Subsystem: "server",
			Name:      "manager_uploads_total",
			Help:      "Content received from managers, by kind.",
		}, []string{"kind"}),
	}
}

func (m *Metrics) sessionStarted() {
	if m == nil {
		return
	}
	m.active.Inc()
}

func (m *Metrics) sessionEnded(outcome string) {
	if m == nil {
		return
	}
	m.active.Dec()
	m.sessions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) compilerStarted() {
	if m == nil {
		return
	}
	m.compiling.Inc()
}

func (m *Metrics) compilerFinished() {
	if m == nil {
		return
	}
	m.compiling.Dec()
}

func (m *Metrics) received(kind string, count int) {
	if m == nil || count == 0 {
		return
	}
	m.uploads.WithLabelValues(kind).Add(float64(count))
}
