// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package nodes

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/bureau-foundation/ccfarm/lib/clock"
	"github.com/bureau-foundation/ccfarm/lib/task"
)

// Dispatcher starts and stops sessions on behalf of the Manager.
type Dispatcher interface {
	// Dispatch starts a session running t on n.
	Dispatch(t *task.Task, n *Node)

	// Terminate tears down the session running t on n because n is
	// gone. The Manager has already accounted for the session; its
	// later SessionEnded report is ignored.
	Terminate(t *task.Task, n *Node)
}

// Config tunes a Manager. Zero fields take defaults.
type Config struct {
	// MaxAttempts is how many failed sessions a task may accumulate
	// before it fails. Default 3.
	MaxAttempts int

	// GracePolls is how many consecutive discovery polls may miss a
	// node before it is removed. Default 3.
	GracePolls int

	// Decay weighs older completions in the average task time.
	// Default 0.9.
	Decay float64
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.GracePolls <= 0 {
		c.GracePolls = 3
	}
	if c.Decay <= 0 || c.Decay > 1 {
		c.Decay = 0.9
	}
	return c
}

// Manager places tasks on nodes. See the package documentation.
type Manager struct {
	config     Config
	dispatcher Dispatcher
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *Metrics

	nodes map[string]*Node
	queue []*task.Task

	// taskNodes lists the nodes currently running each task.
	taskNodes map[*task.Task][]*Node
	sequence  uint64
}

// NewManager returns a Manager with no nodes. metrics may be nil.
func NewManager(config Config, dispatcher Dispatcher, clk clock.Clock, logger *slog.Logger, metrics *Metrics) *Manager {
	return &Manager{
		config:     config.withDefaults(),
		dispatcher: dispatcher,
		clock:      clk,
		logger:     logger,
		metrics:    metrics,
		nodes:      make(map[string]*Node),
		taskNodes:  make(map[*task.Task][]*Node),
	}
}

// Node returns the live node with id, or nil.
func (m *Manager) Node(id string) *Node {
	node := m.nodes[id]
	if node == nil || node.removed {
		return nil
	}
	return node
}

// QueueLength returns the number of unassigned tasks.
func (m *Manager) QueueLength() int { return len(m.queue) }

// liveNodes returns the nodes that have not been removed, ordered by
// ID so ties break deterministically.
func (m *Manager) liveNodes() []*Node {
	live := make([]*Node, 0, len(m.nodes))
	for _, node := range m.nodes {
		if !node.removed {
			live = append(live, node)
		}
	}
	slices.SortFunc(live, func(a, b *Node) int { return strings.Compare(a.ID, b.ID) })
	return live
}

// eligible reports whether n may take another task now.
func eligible(n *Node) bool {
	return n.Free() > 0 && (n.AverageTaskTime() > 0 || n.Running() == 0)
}

// betterNode orders candidates by (running×average, average, running).
func betterNode(a, b *Node) bool {
	aLoad := a.AverageTaskTime() * time.Duration(a.Running())
	bLoad := b.AverageTaskTime() * time.Duration(b.Running())
	if aLoad != bLoad {
		return aLoad < bLoad
	}
	if a.AverageTaskTime() != b.AverageTaskTime() {
		return a.AverageTaskTime() < b.AverageTaskTime()
	}
	return a.Running() < b.Running()
}

// bestNode returns the eligible node with the lowest expected wait, or
// nil.
func (m *Manager) bestNode() *Node {
	var best *Node
	for _, node := range m.liveNodes() {
		if !eligible(node) {
			continue
		}
		if best == nil || betterNode(node, best) {
			best = node
		}
	}
	return best
}

// Schedule places a new task, or queues it behind tasks already
// waiting.
func (m *Manager) Schedule(t *task.Task) {
	if len(m.queue) > 0 {
		m.enqueue(t)
		return
	}
	node := m.bestNode()
	if node == nil {
		m.enqueue(t)
		return
	}
	m.assign(t, node)
}

func (m *Manager) enqueue(t *task.Task) {
	m.queue = append(m.queue, t)
	t.Times.Mark("queued", m.clock.Now())
	m.metrics.setUnassigned(len(m.queue))
}

func (m *Manager) assign(t *task.Task, n *Node) {
	m.sequence++
	n.running = append(n.running, assignment{task: t, sequence: m.sequence})
	n.timing.setPending(m.clock.Now(), n.Running())
	n.Sent++
	m.taskNodes[t] = append(m.taskNodes[t], n)
	m.metrics.setRunning(n)
	t.Times.Mark("dispatched", m.clock.Now())
	m.logger.Debug("dispatching task", "task", t.ID, "source", t.Source, "node", n.ID, "running", n.Running())
	m.dispatcher.Dispatch(t, n)
}

// unassign removes t from n. It reports whether t was assigned there.
func (m *Manager) unassign(t *task.Task, n *Node) bool {
	index := slices.IndexFunc(n.running, func(a assignment) bool { return a.task == t })
	if index < 0 {
		return false
	}
	n.running = slices.Delete(n.running, index, index+1)
	n.timing.setPending(m.clock.Now(), n.Running())
	m.metrics.setRunning(n)

	remaining := slices.DeleteFunc(m.taskNodes[t], func(other *Node) bool { return other == n })
	if len(remaining) == 0 {
		delete(m.taskNodes, t)
	} else {
		m.taskNodes[t] = remaining
	}
	return true
}

// SessionEnded accounts for a finished session of t on n and refills
// n. detail describes a failure for the task's error report. Reports
// for sessions the Manager no longer tracks are ignored.
func (m *Manager) SessionEnded(t *task.Task, n *Node, result task.Result, detail string) {
	if !m.unassign(t, n) {
		return
	}
	m.finishSession(t, n, result, detail)
	m.refill(n)
}

func (m *Manager) finishSession(t *task.Task, n *Node, result task.Result, detail string) {
	n.count(result)
	m.metrics.sessionEnded(n, result)
	if result == task.Success || result == task.TooLate {
		n.timing.completed(m.clock.Now())
		m.metrics.setAverage(n)
	}
	m.logger.Debug("session ended", "task", t.ID, "node", n.ID, "result", result.String())

	if !result.Reschedules() {
		return
	}
	if detail != "" {
		detail = n.ID + ": " + detail
	}
	failed := t.RecordFailure(detail)
	if t.IsComplete() || t.Owner() != 0 || len(m.taskNodes[t]) > 0 {
		return
	}
	if failed >= m.config.MaxAttempts {
		m.logger.Warn("task failed on every attempt", "task", t.ID, "source", t.Source, "attempts", failed)
		t.Complete(task.Outcome{
			ReturnCode: -1,
			Stderr:     fmt.Appendf(nil, "ccfarm: compiling %s failed after %d attempts:\n%s\n", t.Source, failed, t.Failures()),
		})
		return
	}
	m.logger.Info("rescheduling task", "task", t.ID, "source", t.Source, "result", result.String())
	m.Schedule(t)
}

// refill gives n queued work, then lets it steal.
func (m *Manager) refill(n *Node) {
	if n.removed {
		return
	}
	for len(m.queue) > 0 && eligible(n) {
		next := m.queue[0]
		m.queue = m.queue[1:]
		m.metrics.setUnassigned(len(m.queue))
		if next.IsComplete() {
			continue
		}
		m.assign(next, n)
	}
	for n.Free() > 0 && len(m.queue) == 0 {
		candidate := m.stealCandidate(n)
		if candidate == nil {
			return
		}
		m.logger.Debug("stealing task", "task", candidate.ID, "node", n.ID)
		m.assign(candidate, n)
	}
}

// stealCandidate returns the most recently started task on another
// node that target should duplicate, or nil.
func (m *Manager) stealCandidate(target *Node) *task.Task {
	targetAverage := target.AverageTaskTime()
	if targetAverage == 0 {
		return nil
	}

	var best *assignment
	for _, source := range m.liveNodes() {
		if source == target {
			continue
		}
		sourceAverage := source.AverageTaskTime()
		if sourceAverage == 0 {
			continue
		}
		covered := int(targetAverage/sourceAverage) * source.Slots
		for index := covered; index < len(source.running); index++ {
			candidate := &source.running[index]
			if best != nil && candidate.sequence < best.sequence {
				continue
			}
			if candidate.task.IsComplete() || candidate.task.Owner() != 0 || target.runs(candidate.task) {
				continue
			}
			best = candidate
		}
	}
	if best == nil {
		return nil
	}
	return best.task
}

// Refresh reconciles the node set with a discovery poll. Known nodes
// are updated in place; new nodes are added and filled; nodes missing
// from more than GracePolls consecutive polls are removed and their
// sessions terminated and rescheduled.
func (m *Manager) Refresh(infos []Info) {
	seen := make(map[string]bool, len(infos))
	var grown []*Node
	for _, info := range infos {
		if info.Slots <= 0 {
			continue
		}
		id := info.ID()
		seen[id] = true
		node, known := m.nodes[id]
		switch {
		case !known:
			node = &Node{ID: id, Info: info, timing: taskTimer{decay: m.config.Decay}}
			m.nodes[id] = node
			m.logger.Info("node added", "node", id, "slots", info.Slots)
			grown = append(grown, node)
		case node.removed:
			node.removed = false
			node.Info = info
			m.logger.Info("node returned", "node", id, "slots", info.Slots)
			grown = append(grown, node)
		default:
			if info.Slots > node.Slots {
				grown = append(grown, node)
			}
			node.Info = info
		}
		node.missedPolls = 0
		m.metrics.setRunning(node)
	}

	for _, node := range m.liveNodes() {
		if seen[node.ID] {
			continue
		}
		node.missedPolls++
		if node.missedPolls > m.config.GracePolls {
			m.remove(node)
		}
	}

	for _, node := range grown {
		m.refill(node)
	}
}

// remove drops n and terminates its sessions.
func (m *Manager) remove(n *Node) {
	m.logger.Warn("node removed", "node", n.ID, "running", n.Running())
	n.removed = true
	orphans := make([]*task.Task, 0, len(n.running))
	for _, running := range n.running {
		orphans = append(orphans, running.task)
	}
	for _, orphan := range orphans {
		m.unassign(orphan, n)
		m.dispatcher.Terminate(orphan, n)
		m.finishSession(orphan, n, task.Terminated, "node disappeared")
	}
	m.metrics.removeNode(n)
}

// NodeStatus is a point-in-time view of a node.
type NodeStatus struct {
	ID              string
	Address         string
	Slots           int
	Running         int
	MissedPolls     int
	AverageTaskTime float64 // seconds
	Counters
	// PendingTime maps a pending-task count to seconds spent at it.
	PendingTime map[int]float64
}

// Status returns the live nodes in ID order.
func (m *Manager) Status() []NodeStatus {
	live := m.liveNodes()
	statuses := make([]NodeStatus, 0, len(live))
	now := m.clock.Now()
	for _, node := range live {
		node.timing.advance(now)
		pendingTime := make(map[int]float64, len(node.timing.histogram))
		for pending, duration := range node.timing.histogram {
			pendingTime[pending] = duration.Seconds()
		}
		statuses = append(statuses, NodeStatus{
			ID:              node.ID,
			Address:         node.DialAddress(),
			Slots:           node.Slots,
			Running:         node.Running(),
			MissedPolls:     node.missedPolls,
			AverageTaskTime: node.AverageTaskTime().Seconds(),
			Counters:        node.Counters,
			PendingTime:     pendingTime,
		})
	}
	return statuses
}
