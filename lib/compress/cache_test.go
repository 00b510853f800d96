// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compress

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bureau-foundation/ccfarm/lib/workpool"
)

// manualPool holds submitted work until the test runs it.
type manualPool struct {
	mu      sync.Mutex
	pending []func()
}

func (p *manualPool) Submit(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, fn)
}

func (p *manualPool) runAll() {
	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

func TestComputeDeduplicatesInFlight(t *testing.T) {
	pool := &manualPool{}
	cache := NewFileCache(pool, 4)

	produced := 0
	produce := func() ([]byte, error) {
		produced++
		return []byte("payload"), nil
	}

	var order []int
	for index := range 3 {
		cache.Compute("pch", produce, func(data []byte, err error) {
			if err != nil || string(data) != "payload" {
				t.Errorf("caller %d got (%q, %v)", index, data, err)
			}
			order = append(order, index)
		})
	}
	if len(order) != 0 {
		t.Fatal("callbacks fired before production finished")
	}
	pool.runAll()

	if produced != 1 {
		t.Errorf("produced %d times, want 1", produced)
	}
	if fmt.Sprint(order) != "[0 1 2]" {
		t.Errorf("callback order = %v, want [0 1 2]", order)
	}

	// A cached hit is delivered synchronously.
	hit := false
	cache.Compute("pch", produce, func([]byte, error) { hit = true })
	if !hit || produced != 1 {
		t.Errorf("cached lookup: hit=%v produced=%d", hit, produced)
	}
}

func TestComputeEvictsOldest(t *testing.T) {
	pool := &manualPool{}
	cache := NewFileCache(pool, 4)
	ignore := func([]byte, error) {}

	for index := range 5 {
		key := fmt.Sprintf("file-%d", index)
		cache.Compute(key, func() ([]byte, error) { return []byte(key), nil }, ignore)
		pool.runAll()
	}
	if cache.Len() != 4 {
		t.Fatalf("Len = %d, want 4", cache.Len())
	}

	before := cache.Productions()
	cache.Compute("file-0", func() ([]byte, error) { return nil, nil }, ignore)
	if cache.Productions() != before+1 {
		t.Error("evicted entry was served from the cache")
	}
	pool.runAll()
	cache.Compute("file-4", func() ([]byte, error) { return nil, nil }, ignore)
	if cache.Productions() != before+1 {
		t.Error("recent entry was recomputed")
	}
}

func TestComputeErrorsAreNotCached(t *testing.T) {
	pool := &manualPool{}
	cache := NewFileCache(pool, 4)
	failure := errors.New("read failed")

	var got error
	cache.Compute("x", func() ([]byte, error) { return nil, failure }, func(_ []byte, err error) { got = err })
	pool.runAll()
	if !errors.Is(got, failure) {
		t.Fatalf("err = %v, want %v", got, failure)
	}
	if cache.Len() != 0 {
		t.Error("failed production was cached")
	}
}

func TestCompressFileOnPool(t *testing.T) {
	path := filepath.Join(t.TempDir(), "all.h.gch")
	content := []byte("compiled header state")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	pool := workpool.New(2)
	cache := NewFileCache(pool, 0)
	results := make(chan []byte, 2)
	for range 2 {
		cache.CompressFile(path, func(data []byte, err error) {
			if err != nil {
				t.Error(err)
			}
			results <- data
		})
	}
	pool.Wait()

	for range 2 {
		decoded, err := Decompress(<-results)
		if err != nil {
			t.Fatal(err)
		}
		if string(decoded) != string(content) {
			t.Errorf("decoded = %q", decoded)
		}
	}

	missing := make(chan error, 1)
	cache.CompressFile(filepath.Join(t.TempDir(), "absent"), func(_ []byte, err error) { missing <- err })
	if err := <-missing; !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file err = %v", err)
	}
}
