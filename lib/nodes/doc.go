// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package nodes assigns compile tasks to worker nodes.
//
// [Manager] tracks every known node, its job slots and the FIFO list
// of tasks it is running. New tasks go to the node with the lowest
// expected wait, measured as running×average-task-time. A node with no
// completed work yet (average zero) only receives a task when it is
// idle, so an unproven node is never flooded. When nothing is eligible
// the task waits in a strictly ordered queue.
//
// Whenever a node frees a slot it first drains the queue and then
// steals: it starts duplicate sessions for the most recently started
// tasks of slower nodes, where a task is worth stealing only if it sits
// beyond floor(targetAverage/sourceAverage)×sourceSlots in the source
// node's run list. Whichever session finishes first wins (see
// task.Task.RegisterCompletion).
//
// A Manager is not safe for concurrent use. The ccfarm manager calls
// it only from its scheduler goroutine; session starts and
// terminations are delegated to a [Dispatcher].
package nodes
