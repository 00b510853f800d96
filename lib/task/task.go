// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package task

import (
	"slices"
	"strings"
	"sync"

	"github.com/bureau-foundation/ccfarm/lib/protocol"
)

// Outcome is what a task reports to its command.
type Outcome struct {
	ReturnCode int
	Stdout     []byte
	Stderr     []byte
}

// Params are the static inputs of a task, as produced by the option
// parser.
type Params struct {
	Source         string
	Output         string
	Macros         []string
	IncludeDirs    []string
	SysIncludeDirs []string
	ForcedIncludes []string
	PCH            *protocol.PCHDescriptor
}

// PreprocessTask is the header scanner's view of a task.
type PreprocessTask struct {
	Source         string
	IncludeDirs    []string
	SysIncludeDirs []string
	Macros         []string
	ForcedIncludes []string
}

// Task is one translation unit of a command.
type Task struct {
	ID uint64
	Params
	Command *Command
	Times   TimeLog

	// ServerTask is filled in once headers are scanned, before the task
	// is scheduled, and read-only afterwards.
	ServerTask *protocol.ServerTask

	mu       sync.Mutex
	running  []protocol.SessionID
	finished []protocol.SessionID
	owner    protocol.SessionID
	attempts int
	failed   int
	failures []string
	complete bool
	outcome  Outcome
}

// New returns a task of command.
func New(id uint64, command *Command, params Params) *Task {
	return &Task{ID: id, Params: params, Command: command}
}

// Preprocess returns the scanner request for the task.
func (t *Task) Preprocess() PreprocessTask {
	return PreprocessTask{
		Source:         t.Source,
		IncludeDirs:    t.IncludeDirs,
		SysIncludeDirs: t.SysIncludeDirs,
		Macros:         t.Macros,
		ForcedIncludes: t.ForcedIncludes,
	}
}

// SessionStarted records a new attempt.
func (t *Task) SessionStarted(session protocol.SessionID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = append(t.running, session)
	t.attempts++
}

// SessionFinished moves session from the running to the finished set.
func (t *Task) SessionFinished(session protocol.SessionID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index := slices.Index(t.running, session); index >= 0 {
		t.running = slices.Delete(t.running, index, index+1)
		t.finished = append(t.finished, session)
	}
}

// RegisterCompletion makes session the completion owner if there is
// none yet. The winner receives the other running sessions, which it
// must cancel.
func (t *Task) RegisterCompletion(session protocol.SessionID) (won bool, others []protocol.SessionID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.owner != 0 {
		return false, nil
	}
	t.owner = session
	for _, running := range t.running {
		if running != session {
			others = append(others, running)
		}
	}
	return true, others
}

// Owner returns the completion owner, or zero.
func (t *Task) Owner() protocol.SessionID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.owner
}

// Running returns the running sessions in start order.
func (t *Task) Running() []protocol.SessionID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.running)
}

// Attempts returns how many sessions have been started.
func (t *Task) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// RecordFailure counts a failed attempt and keeps its diagnostic, if
// any, for the final error report. It returns the number of failed
// attempts so far.
func (t *Task) RecordFailure(text string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failed++
	if text != "" {
		t.failures = append(t.failures, text)
	}
	return t.failed
}

// Failures returns the recorded diagnostics, one per line.
func (t *Task) Failures() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.failures, "\n")
}

// Complete records the task's outcome and notifies the command. Only
// the first call has an effect; it reports whether it was first.
func (t *Task) Complete(outcome Outcome) bool {
	t.mu.Lock()
	if t.complete {
		t.mu.Unlock()
		return false
	}
	t.complete = true
	t.outcome = outcome
	t.mu.Unlock()

	if t.Command != nil {
		t.Command.taskCompleted()
	}
	return true
}

// IsComplete reports whether the task has an outcome.
func (t *Task) IsComplete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.complete
}

// Outcome returns the recorded outcome.
func (t *Task) Outcome() Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome
}
