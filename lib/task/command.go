// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package task

import (
	"bytes"
	"sync"
)

// Command is one client compiler invocation split into tasks.
type Command struct {
	ID  uint64
	Cwd string
	// Argv is the invocation as the client ran it.
	Argv []string
	// Link, if set, is the command the client runs after every task
	// succeeded.
	Link []string

	mu        sync.Mutex
	tasks     []*Task
	remaining int
	done      chan struct{}
}

// NewCommand returns a command with no tasks.
func NewCommand(id uint64, cwd string, argv []string) *Command {
	return &Command{ID: id, Cwd: cwd, Argv: argv, done: make(chan struct{})}
}

// AddTask appends a task built from params. Tasks must all be added
// before any completes.
func (c *Command) AddTask(id uint64, params Params) *Task {
	t := New(id, c, params)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks = append(c.tasks, t)
	c.remaining++
	return t
}

// Tasks returns the command's tasks in source order.
func (c *Command) Tasks() []*Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Task(nil), c.tasks...)
}

func (c *Command) taskCompleted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remaining--
	if c.remaining == 0 {
		close(c.done)
	}
}

// Done is closed once every task has completed.
func (c *Command) Done() <-chan struct{} { return c.done }

// Outcome combines the tasks' outcomes: the first nonzero return code
// in source order and the concatenated output of every task.
func (c *Command) Outcome() Outcome {
	var combined Outcome
	var stdout, stderr bytes.Buffer
	for _, t := range c.Tasks() {
		outcome := t.Outcome()
		if combined.ReturnCode == 0 {
			combined.ReturnCode = outcome.ReturnCode
		}
		stdout.Write(outcome.Stdout)
		stderr.Write(outcome.Stderr)
	}
	combined.Stdout = stdout.Bytes()
	combined.Stderr = stderr.Bytes()
	return combined
}
