// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package nodes

import (
	"net"
	"strconv"
	"time"

	"github.com/bureau-foundation/ccfarm/lib/task"
)

// Info describes a node as reported by discovery.
type Info struct {
	Address  string
	Port     int
	Hostname string
	Slots    int
}

// ID returns the node identity, hostname:port. Nodes without a
// hostname are identified by address.
func (i Info) ID() string {
	host := i.Hostname
	if host == "" {
		host = i.Address
	}
	return net.JoinHostPort(host, strconv.Itoa(i.Port))
}

// DialAddress returns the address to connect to.
func (i Info) DialAddress() string {
	return net.JoinHostPort(i.Address, strconv.Itoa(i.Port))
}

// Counters accumulate per-node session outcomes. They survive the node
// leaving and rejoining.
type Counters struct {
	Sent       int
	Completed  int
	Failed     int
	Cancelled  int
	TimedOut   int
	TooLate    int
	Terminated int
}

func (c *Counters) count(result task.Result) {
	switch result {
	case task.Success:
		c.Completed++
	case task.Failure:
		c.Failed++
	case task.Cancelled:
		c.Cancelled++
	case task.TimedOut:
		c.TimedOut++
	case task.TooLate:
		c.TooLate++
	case task.Terminated:
		c.Terminated++
	}
}

// assignment is one task running on a node. sequence orders
// assignments across all nodes.
type assignment struct {
	task     *task.Task
	sequence uint64
}

// Node is one worker. Fields are owned by the Manager.
type Node struct {
	ID string
	Info
	Counters

	running     []assignment
	missedPolls int
	removed     bool
	timing      taskTimer
}

// Running returns the number of tasks assigned to n.
func (n *Node) Running() int { return len(n.running) }

// Free returns the number of unused slots.
func (n *Node) Free() int { return n.Slots - len(n.running) }

// AverageTaskTime returns the node's decayed average task duration,
// zero until a task has completed there.
func (n *Node) AverageTaskTime() time.Duration { return n.timing.average() }

func (n *Node) runs(t *task.Task) bool {
	for _, running := range n.running {
		if running.task == t {
			return true
		}
	}
	return false
}

// taskTimer estimates average task duration with Little's law: the
// integral of the pending count over time divided by the number of
// completions. Both terms decay by the same factor at each completion
// so recent behavior dominates.
type taskTimer struct {
	decay float64

	pending    int
	lastChange time.Time

	// sinceCompletion is pending×seconds accumulated since the last
	// completion.
	sinceCompletion float64
	numerator       float64
	denominator     float64

	// histogram records how long the node spent with N tasks pending.
	histogram map[int]time.Duration
}

func (t *taskTimer) advance(now time.Time) {
	if !t.lastChange.IsZero() && t.pending > 0 {
		elapsed := now.Sub(t.lastChange)
		if elapsed > 0 {
			if t.histogram == nil {
				t.histogram = make(map[int]time.Duration)
			}
			t.histogram[t.pending] += elapsed
			t.sinceCompletion += float64(t.pending) * elapsed.Seconds()
		}
	}
	t.lastChange = now
}

func (t *taskTimer) setPending(now time.Time, pending int) {
	t.advance(now)
	t.pending = pending
}

func (t *taskTimer) completed(now time.Time) {
	t.advance(now)
	t.numerator = t.numerator*t.decay + t.sinceCompletion
	t.denominator = t.denominator*t.decay + 1
	t.sinceCompletion = 0
}

func (t *taskTimer) average() time.Duration {
	if t.denominator == 0 {
		return 0
	}
	// A node with completions is never reported as unproven.
	return max(time.Duration(t.numerator/t.denominator*float64(time.Second)), time.Nanosecond)
}
