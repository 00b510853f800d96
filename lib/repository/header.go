// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/bureau-foundation/ccfarm/lib/atomicfile"
	"github.com/bureau-foundation/ccfarm/lib/contenthash"
	"github.com/bureau-foundation/ccfarm/lib/protocol"
)

// ErrChecksumMismatch reports received header content that does not
// hash to the checksum the manager announced.
var ErrChecksumMismatch = errors.New("repository: header checksum mismatch")

// ErrUnknownTransaction reports a PrepareDir for a transaction that was
// never opened, is already prepared or was released.
var ErrUnknownTransaction = errors.New("repository: unknown header transaction")

type headerKey struct {
	machine string
	dir     string
	name    string
}

func (k headerKey) String() string { return k.machine + ":" + k.dir + "/" + k.name }

type fileKey struct {
	dir  string
	name string
}

// headerTransaction is one session's claim on the shared headers it
// asked the manager for or was told are cached.
type headerTransaction struct {
	machine  string
	prepared bool
	// shared maps each header this transaction registered in flight to
	// its announced checksum.
	shared map[fileKey]string
	// readers lists the shared headers the session compiles against
	// from the machine's shared directory.
	readers []headerKey
}

// HeaderRepository caches headers per client machine. Shared headers
// (those found through include directories) are stored once per machine
// under root and reused by every later session whose checksum matches.
// Headers relative to the source file are written to the session's
// scratch directory and never shared.
type HeaderRepository struct {
	root     string
	registry *Registry[headerKey]

	mu           sync.Mutex
	checksums    map[headerKey]string
	transactions map[string]*headerTransaction
	// readers counts the live transactions reading each shared header.
	// A header with readers is never replaced.
	readers map[headerKey]int
}

// NewHeaderRepository stores shared headers below root.
func NewHeaderRepository(root string) *HeaderRepository {
	return &HeaderRepository{
		root:         root,
		registry:     NewRegistry[headerKey](),
		checksums:    make(map[headerKey]string),
		transactions: make(map[string]*headerTransaction),
		readers:      make(map[headerKey]int),
	}
}

// clientPath validates a client (dir, name) pair and returns it as a
// relative path.
func clientPath(dir, name string) (string, error) {
	joined := strings.TrimPrefix(filepath.ToSlash(filepath.Join(dir, name)), "/")
	if joined == "" || !filepath.IsLocal(joined) {
		return "", fmt.Errorf("header path %q/%q escapes its directory", dir, name)
	}
	return filepath.FromSlash(joined), nil
}

// SharedDir returns where client include directory dir of machine is
// mirrored on this server.
func (r *HeaderRepository) SharedDir(machine, dir string) string {
	return filepath.Join(r.root, machine, filepath.FromSlash(dir))
}

// ScratchDir returns where client directory dir is mirrored inside a
// session scratch directory.
func ScratchDir(scratch, dir string) string {
	return filepath.Join(scratch, filepath.FromSlash(dir))
}

// MissingFiles returns the shared headers among candidates that this
// server does not hold for machine, and a transaction id to pass to
// PrepareDir and finally to Release.
//
// A shared candidate is omitted when its checksum matches an entry
// that is Ready or being uploaded by another session. Otherwise this
// transaction registers it and the manager must send it. A header with
// a different checksum that a live transaction still reads, or that
// another session is uploading, is still requested, but PrepareDir
// places it in scratch. Relative candidates are never listed: the
// manager always sends them.
func (r *HeaderRepository) MissingFiles(machine string, candidates []protocol.HeaderRef) (needed []protocol.FileRef, transaction string, err error) {
	if !filepath.IsLocal(machine) || filepath.Base(machine) != machine {
		return nil, "", fmt.Errorf("invalid machine id %q", machine)
	}

	record := &headerTransaction{machine: machine, shared: make(map[fileKey]string)}
	transaction = uuid.NewString()

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[fileKey]bool)
	for _, candidate := range candidates {
		if candidate.Relative {
			continue
		}
		if _, err := clientPath(candidate.Dir, candidate.Name); err != nil {
			r.releaseLocked(record, err)
			return nil, "", err
		}
		file := fileKey{dir: candidate.Dir, name: candidate.Name}
		if seen[file] {
			continue
		}
		seen[file] = true
		key := headerKey{machine: machine, dir: candidate.Dir, name: candidate.Name}
		known, hasChecksum := r.checksums[key]
		state := r.registry.State(key)

		if hasChecksum && known == candidate.Checksum && state != Absent {
			record.readers = append(record.readers, key)
			r.readers[key]++
			continue
		}
		needed = append(needed, protocol.FileRef{Dir: candidate.Dir, Name: candidate.Name})
		if state == InFlight || r.readers[key] > 0 {
			// Other sessions upload or compile against different
			// content.
			continue
		}
		if state == Ready {
			r.registry.Invalidate(key)
		}
		r.registry.Register(key)
		r.checksums[key] = candidate.Checksum
		record.shared[file] = candidate.Checksum
		record.readers = append(record.readers, key)
		r.readers[key]++
	}

	r.transactions[transaction] = record
	return needed, transaction, nil
}

// PrepareDir persists the files a session received. Files this
// transaction registered are verified, written to the machine's shared
// directory and marked Ready. All other files are written below
// scratch. On error the transaction's remaining registrations are
// abandoned. The transaction stays open, keeping its headers in place,
// until Release.
func (r *HeaderRepository) PrepareDir(transaction, scratch string, files []protocol.File) error {
	r.mu.Lock()
	record, ok := r.transactions[transaction]
	if !ok || record.prepared {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTransaction, transaction)
	}
	record.prepared = true
	// The registrations now belong to this call; a concurrent Release
	// leaves them alone.
	shared := record.shared
	record.shared = nil
	r.mu.Unlock()
	fail := func(err error) error {
		r.mu.Lock()
		r.abandonLocked(record.machine, shared, err)
		r.mu.Unlock()
		return err
	}

	received := make(map[fileKey]bool)
	for _, file := range files {
		relative, err := clientPath(file.Dir, file.Name)
		if err != nil {
			return fail(err)
		}
		key := fileKey{dir: file.Dir, name: file.Name}
		checksum, registered := shared[key]
		if !registered || received[key] {
			if err := atomicfile.WriteFile(filepath.Join(scratch, relative), file.Content, 0o644); err != nil {
				return fail(err)
			}
			continue
		}

		if actual := contenthash.Header(file.Content).String(); actual != checksum {
			return fail(fmt.Errorf("%w: %s/%s is %s, announced %s", ErrChecksumMismatch, file.Dir, file.Name, actual, checksum))
		}
		if err := atomicfile.WriteFile(filepath.Join(r.root, record.machine, relative), file.Content, 0o644); err != nil {
			return fail(err)
		}
		received[key] = true
		r.registry.MarkReady(headerKey{machine: record.machine, dir: file.Dir, name: file.Name})
		delete(shared, key)
	}

	if len(shared) > 0 {
		return fail(fmt.Errorf("manager omitted %d requested headers", len(shared)))
	}
	return nil
}

// Release ends a transaction when its session ends. Registrations it
// still holds are abandoned with cause, and its shared headers may be
// replaced once no other transaction reads them. Releasing an unknown
// transaction is a no-op.
func (r *HeaderRepository) Release(transaction string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.transactions[transaction]
	if !ok {
		return
	}
	delete(r.transactions, transaction)
	r.releaseLocked(record, cause)
}

// releaseLocked abandons record's registrations and drops its reader
// counts. Caller must hold r.mu.
func (r *HeaderRepository) releaseLocked(record *headerTransaction, cause error) {
	r.abandonLocked(record.machine, record.shared, cause)
	record.shared = nil
	for _, key := range record.readers {
		r.readers[key]--
		if r.readers[key] <= 0 {
			delete(r.readers, key)
		}
	}
	record.readers = nil
}

// abandonLocked forgets the checksums of registrations that will not
// complete and fails waiters. Caller must hold r.mu; registry callbacks
// must not call back into the HeaderRepository.
func (r *HeaderRepository) abandonLocked(machine string, shared map[fileKey]string, cause error) {
	for file := range shared {
		key := headerKey{machine: machine, dir: file.dir, name: file.name}
		delete(r.checksums, key)
		r.registry.Abandon(key, cause)
	}
}

// WaitShared blocks until every shared header in headers is Ready for
// machine. It fails if an upload another session was responsible for
// is abandoned. Callers pass only the headers they did not receive
// themselves.
func (r *HeaderRepository) WaitShared(ctx context.Context, machine string, headers []protocol.HeaderRef) error {
	for _, header := range headers {
		if header.Relative {
			continue
		}
		key := headerKey{machine: machine, dir: header.Dir, name: header.Name}
		if err := r.registry.Wait(ctx, key); err != nil {
			return fmt.Errorf("waiting for %s/%s: %w", header.Dir, header.Name, err)
		}
	}
	return nil
}

// State returns the state of a shared header.
func (r *HeaderRepository) State(machine, dir, name string) State {
	return r.registry.State(headerKey{machine: machine, dir: dir, name: name})
}

// OpenTransactions returns the number of transactions not yet
// released.
func (r *HeaderRepository) OpenTransactions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transactions)
}
