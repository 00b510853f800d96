// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package mailbox provides an unbounded FIFO that lets a connection's
// read loop hand messages to a session goroutine without ever waiting
// on it.
package mailbox

import (
	"context"
	"sync"
)

// Mailbox is an unbounded FIFO with one consumer. The zero value is
// not usable; call New.
type Mailbox[T any] struct {
	mu     sync.Mutex
	queue  []T
	notify chan struct{}
}

// New returns an empty mailbox.
func New[T any]() *Mailbox[T] {
	return &Mailbox[T]{notify: make(chan struct{}, 1)}
}

// Put appends value. It never blocks.
func (m *Mailbox[T]) Put(value T) {
	m.mu.Lock()
	m.queue = append(m.queue, value)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// TryTake removes and returns the oldest value, if any.
func (m *Mailbox[T]) TryTake() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var zero T
	if len(m.queue) == 0 {
		return zero, false
	}
	value := m.queue[0]
	m.queue[0] = zero
	m.queue = m.queue[1:]
	return value, true
}

// Notify returns a channel that receives after a Put. Consumers that
// select on other events as well loop on TryTake and Notify.
func (m *Mailbox[T]) Notify() <-chan struct{} { return m.notify }

// Take waits for a value. It returns the cause of ctx when ctx ends
// first.
func (m *Mailbox[T]) Take(ctx context.Context) (T, error) {
	for {
		if value, ok := m.TryTake(); ok {
			return value, nil
		}
		select {
		case <-m.notify:
		case <-ctx.Done():
			var zero T
			return zero, context.Cause(ctx)
		}
	}
}

// Len returns the number of queued values.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
