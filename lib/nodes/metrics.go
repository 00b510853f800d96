// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package nodes

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bureau-foundation/ccfarm/lib/task"
)

// Metrics exports scheduling state to Prometheus. A nil *Metrics
// records nothing.
type Metrics struct {
	sessions       *prometheus.CounterVec
	running        *prometheus.GaugeVec
	slots          *prometheus.GaugeVec
	averageSeconds *prometheus.GaugeVec
	unassigned     prometheus.Gauge
}

// NewMetrics registers the scheduling metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		sessions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ccfarm",
			Name:      "sessions_total",
			Help:      "Compile sessions by node and result.",
		}, []string{"node", "result"}),
		running: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ccfarm",
			Name:      "node_running_tasks",
			Help:      "Tasks currently assigned to each node.",
		}, []string{"node"}),
		slots: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ccfarm",
			Name:      "node_slots",
			Help:      "Job slots each node declares.",
		}, []string{"node"}),
		averageSeconds: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ccfarm",
			Name:      "node_average_task_seconds",
			Help:      "Decayed average task duration per node.",
		}, []string{"node"}),
		unassigned: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ccfarm",
			Name:      "unassigned_tasks",
			Help:      "Tasks waiting for a node.",
		}),
	}
}

func (m *Metrics) sessionEnded(n *Node, result task.Result) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(n.ID, result.String()).Inc()
}

func (m *Metrics) setRunning(n *Node) {
	if m == nil {
		return
	}
	m.running.WithLabelValues(n.ID).Set(float64(n.Running()))
	m.slots.WithLabelValues(n.ID).Set(float64(n.Slots))
}

func (m *Metrics) setAverage(n *Node) {
	if m == nil {
		return
	}
	m.averageSeconds.WithLabelValues(n.ID).Set(n.AverageTaskTime().Seconds())
}

func (m *Metrics) setUnassigned(count int) {
	if m == nil {
		return
	}
	m.unassigned.Set(float64(count))
}

func (m *Metrics) removeNode(n *Node) {
	if m == nil {
		return
	}
	m.running.DeleteLabelValues(n.ID)
	m.slots.DeleteLabelValues(n.ID)
	m.averageSeconds.DeleteLabelValues(n.ID)
}
