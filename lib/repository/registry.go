// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// State is a registry entry's lifecycle position.
type State int

const (
	Absent State = iota
	InFlight
	Ready
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case InFlight:
		return "in-flight"
	case Ready:
		return "ready"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrNotRegistered is delivered to WhenReady callbacks for a key
	// that nobody has registered.
	ErrNotRegistered = errors.New("repository: key not registered")

	// ErrAbandoned is delivered to waiters when the session that was
	// uploading an entry gave up.
	ErrAbandoned = errors.New("repository: upload abandoned")
)

// Registry tracks the state of keyed content and the callbacks waiting
// for it. It is safe for concurrent use. Callbacks always run without
// the registry's lock held.
type Registry[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*registryEntry
}

type registryEntry struct {
	state   State
	waiters []func(error)
}

// NewRegistry returns an empty registry.
func NewRegistry[K comparable]() *Registry[K] {
	return &Registry[K]{entries: make(map[K]*registryEntry)}
}

// Register reports whether the caller must upload key's content. Only
// the caller that moves key from Absent to InFlight gets true; it must
// eventually call MarkReady or Abandon.
func (r *Registry[K]) Register(key K) (mustUpload bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[key]
	if !ok {
		r.entries[key] = &registryEntry{state: InFlight}
		return true
	}
	if entry.state == Absent {
		entry.state = InFlight
		return true
	}
	return false
}

// Preload marks key Ready without an upload, for content found on disk
// at startup. Preloading a key that is already known is a no-op.
func (r *Registry[K]) Preload(key K) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[key]; ok && entry.state != Absent {
		return
	}
	r.entries[key] = &registryEntry{state: Ready}
}

// WhenReady calls callback exactly once: immediately with nil if key is
// Ready, immediately with ErrNotRegistered if it is Absent, and
// otherwise when MarkReady (nil) or Abandon (an ErrAbandoned error)
// resolves the upload.
func (r *Registry[K]) WhenReady(key K, callback func(error)) {
	r.mu.Lock()
	entry, ok := r.entries[key]
	if ok && entry.state == InFlight {
		entry.waiters = append(entry.waiters, callback)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if ok && entry.state == Ready {
		callback(nil)
		return
	}
	callback(fmt.Errorf("%w: %v", ErrNotRegistered, key))
}

// MarkReady moves key from InFlight to Ready and runs its queued
// callbacks in the order they were queued. Panics if key is not
// InFlight: only the registering uploader may complete an entry.
func (r *Registry[K]) MarkReady(key K) {
	r.mu.Lock()
	entry, ok := r.entries[key]
	if !ok || entry.state != InFlight {
		r.mu.Unlock()
		panic(fmt.Sprintf("repository: MarkReady(%v) on an entry that is not in flight", key))
	}
	entry.state = Ready
	waiters := entry.waiters
	entry.waiters = nil
	r.mu.Unlock()

	for _, waiter := range waiters {
		waiter(nil)
	}
}

// Abandon moves an InFlight key back to Absent and fails its queued
// callbacks with an error wrapping ErrAbandoned and cause. The next
// Register of key will be asked to upload. Abandoning a key that is not
// InFlight is a no-op, so teardown paths may call it unconditionally.
func (r *Registry[K]) Abandon(key K, cause error) {
	r.mu.Lock()
	entry, ok := r.entries[key]
	if !ok || entry.state != InFlight {
		r.mu.Unlock()
		return
	}
	entry.state = Absent
	waiters := entry.waiters
	entry.waiters = nil
	r.mu.Unlock()

	err := fmt.Errorf("%w: %v", ErrAbandoned, key)
	if cause != nil {
		err = fmt.Errorf("%w: %w", err, cause)
	}
	for _, waiter := range waiters {
		waiter(err)
	}
}

// Invalidate moves a Ready key back to Absent so that it is uploaded
// again. It reports whether key was Ready.
func (r *Registry[K]) Invalidate(key K) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[key]
	if !ok || entry.state != Ready {
		return false
	}
	entry.state = Absent
	return true
}

// State returns key's current state.
func (r *Registry[K]) State(key K) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[key]; ok {
		return entry.state
	}
	return Absent
}

// Wait blocks until key is Ready, its upload is abandoned, or ctx ends.
func (r *Registry[K]) Wait(ctx context.Context, key K) error {
	result := make(chan error, 1)
	r.WhenReady(key, func(err error) { result <- err })
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Counts returns the number of entries in each state.
func (r *Registry[K]) Counts() map[State]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[State]int)
	for _, entry := range r.entries {
		counts[entry.state]++
	}
	return counts
}
