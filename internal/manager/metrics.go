// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bureau-foundation/ccfarm/lib/nodes"
)

// Metrics exports client and session activity to Prometheus. A nil
// *Metrics records nothing.
type Metrics struct {
	// Nodes carries the scheduling metrics.
	Nodes *nodes.Metrics

	commands  *prometheus.CounterVec
	clients   prometheus.Gauge
	sessions  prometheus.Gauge
	transfers *prometheus.CounterVec
}

// NewMetrics registers the manager metrics, including the scheduling
// metrics, with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Nodes: nodes.NewMetrics(reg),
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ccfarm",
			Subsystem: "manager",
			Name:      "commands_total",
			Help:      "Client commands by how they were handled.",
		}, []string{"handling"}),
		clients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ccfarm",
			Subsystem: "manager",
			Name:      "active_clients",
			Help:      "Client connections currently open.",
		}),
		sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ccfarm",
			Subsystem: "manager",
			Name:      "active_sessions",
			Help:      "Compile sessions currently open.",
		}),
		transfers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ccfarm",
			Subsystem: "manager",
			Name:      "sent_bytes_total",
			Help:      "Bytes sent to compile servers, by kind.",
		}, []string{"kind"}),
	}
}

func (m *Metrics) nodes() *nodes.Metrics {
	if m == nil {
		return nil
	}
	return m.Nodes
}

func (m *Metrics) command(handling string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(handling).Inc()
}

func (m *Metrics) clientConnected() {
	if m == nil {
		return
	}
	m.clients.Inc()
}

func (m *Metrics) clientDisconnected() {
	if m == nil {
		return
	}
	m.clients.Dec()
}

func (m *Metrics) sessionStarted() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *Metrics) sessionEnded() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}

func (m *Metrics) sent(kind string, bytes int) {
	if m == nil || bytes == 0 {
		return
	}
	m.transfers.WithLabelValues(kind).Add(float64(bytes))
}
