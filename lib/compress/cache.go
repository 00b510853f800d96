// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compress

import (
	"fmt"
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheEntries bounds FileCache when no size is given.
const DefaultCacheEntries = 4

// Submitter runs work off the caller's goroutine. *workpool.Pool
// satisfies it.
type Submitter interface {
	Submit(fn func())
}

// DoneFunc receives a cached or freshly produced payload. It must not
// modify data, which is shared by every caller.
type DoneFunc func(data []byte, err error)

// FileCache caches compressed payloads by key and deduplicates
// concurrent productions of the same key. Errors are delivered to
// every queued caller but never cached.
type FileCache struct {
	pool Submitter

	mu       sync.Mutex
	entries  *lru.Cache[string, []byte]
	inFlight map[string][]DoneFunc

	// productions counts produce calls, for tests and status.
	productions int
}

// NewFileCache returns a cache holding at most size payloads. Work is
// dispatched to pool.
func NewFileCache(pool Submitter, size int) *FileCache {
	if size <= 0 {
		size = DefaultCacheEntries
	}
	entries, err := lru.New[string, []byte](size)
	if err != nil {
		panic(fmt.Sprintf("compress: creating LRU of size %d: %v", size, err))
	}
	return &FileCache{
		pool:     pool,
		entries:  entries,
		inFlight: make(map[string][]DoneFunc),
	}
}

// CompressFile delivers the zstd-compressed content of the file at
// path. The key includes the file's size and modification time, so a
// rebuilt file is never served from a stale entry.
func (c *FileCache) CompressFile(path string, onDone DoneFunc) {
	info, err := os.Stat(path)
	if err != nil {
		onDone(nil, fmt.Errorf("compressing %s: %w", path, err))
		return
	}
	key := fmt.Sprintf("%s\x00%d\x00%d", path, info.Size(), info.ModTime().UnixNano())
	c.Compute(key, func() ([]byte, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("compressing %s: %w", path, err)
		}
		return Compress(data), nil
	}, onDone)
}

// Compute delivers the payload for key. A cached payload is delivered
// before Compute returns. Otherwise produce runs once on the pool and
// its result is delivered to onDone and to every caller that asked for
// key in the meantime, in arrival order.
func (c *FileCache) Compute(key string, produce func() ([]byte, error), onDone DoneFunc) {
	c.mu.Lock()
	if data, ok := c.entries.Get(key); ok {
		c.mu.Unlock()
		onDone(data, nil)
		return
	}
	if waiters, running := c.inFlight[key]; running {
		c.inFlight[key] = append(waiters, onDone)
		c.mu.Unlock()
		return
	}
	c.inFlight[key] = []DoneFunc{onDone}
	c.productions++
	c.mu.Unlock()

	c.pool.Submit(func() {
		data, err := produce()

		c.mu.Lock()
		waiters := c.inFlight[key]
		delete(c.inFlight, key)
		if err == nil {
			// Add evicts the least recently used entry beyond the bound.
			c.entries.Add(key, data)
		}
		c.mu.Unlock()

		for _, waiter := range waiters {
			waiter(data, err)
		}
	})
}

// Len returns the number of cached payloads.
func (c *FileCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Productions returns how many times a payload has been produced.
func (c *FileCache) Productions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.productions
}
