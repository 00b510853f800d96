// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package workpool bounds the CPU- and disk-bound work of the manager
// and the compile server.
//
// [Pool] runs submitted functions with at most N in flight. Submission
// never blocks, so the goroutines that own protocol state (the
// manager's scheduler, server sessions) can hand off compression,
// decompression-to-disk and include-directory materialization without
// stalling.
//
// [Gate] limits the number of compiler processes running at once. It is
// sized to the node's job slots, independently of the pool, and admits
// waiters in arrival order.
package workpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Pool runs functions on a bounded number of goroutines. Functions
// start in submission order.
type Pool struct {
	workers int
	wg      sync.WaitGroup

	mu      sync.Mutex
	pending []func()
	running int
}

// New returns a Pool running at most workers functions at once. Panics
// if workers is not positive.
func New(workers int) *Pool {
	if workers <= 0 {
		panic(fmt.Sprintf("workpool: non-positive worker count %d", workers))
	}
	return &Pool{workers: workers}
}

// Submit queues fn and returns immediately. Every submitted function
// runs exactly once.
func (p *Pool) Submit(fn func()) {
	p.wg.Add(1)
	p.mu.Lock()
	p.pending = append(p.pending, fn)
	start := p.running < p.workers
	if start {
		p.running++
	}
	p.mu.Unlock()
	if start {
		go p.work()
	}
}

// work runs queued functions in order until the queue is empty.
func (p *Pool) work() {
	for {
		p.mu.Lock()
		if len(p.pending) == 0 {
			p.running--
			p.mu.Unlock()
			return
		}
		fn := p.pending[0]
		p.pending[0] = nil
		p.pending = p.pending[1:]
		p.mu.Unlock()

		fn()
		p.wg.Done()
	}
}

// Run submits fn and waits for it. If ctx ends first Run returns
// ctx.Err(); fn still runs to completion in the background.
func (p *Pool) Run(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	p.Submit(func() { done <- fn() })
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Queued returns the number of submitted functions not yet started.
func (p *Pool) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Wait blocks until every submitted function has returned.
func (p *Pool) Wait() { p.wg.Wait() }

// Gate admits a bounded number of holders in FIFO order.
type Gate struct {
	slots   *semaphore.Weighted
	size    int
	holders atomic.Int64
}

// NewGate returns a Gate admitting size concurrent holders. Panics if
// size is not positive.
func NewGate(size int) *Gate {
	if size <= 0 {
		panic(fmt.Sprintf("workpool: non-positive gate size %d", size))
	}
	return &Gate{slots: semaphore.NewWeighted(int64(size)), size: size}
}

// Acquire blocks until a slot is free or ctx ends. The returned release
// function must be called exactly once.
func (g *Gate) Acquire(ctx context.Context) (release func(), err error) {
	if err := g.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	g.holders.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			g.holders.Add(-1)
			g.slots.Release(1)
		})
	}, nil
}

// Size returns the number of slots.
func (g *Gate) Size() int { return g.size }

// Holders returns the number of slots currently held.
func (g *Gate) Holders() int { return int(g.holders.Load()) }
