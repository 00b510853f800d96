// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bureau-foundation/ccfarm/lib/atomicfile"
)

// CompilerRepository stores unpacked compiler toolchains keyed by
// toolchain id. A toolchain directory is complete once it contains the
// marker file; complete directories found at startup are Ready.
type CompilerRepository struct {
	root     string
	registry *Registry[string]
}

const completeMarker = ".complete"

// NewCompilerRepository stores toolchains below root, preloading those
// already installed.
func NewCompilerRepository(root string) (*CompilerRepository, error) {
	repository := &CompilerRepository{root: root, registry: NewRegistry[string]()}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating compiler repository: %w", err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("reading compiler repository: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, entry.Name(), completeMarker)); err == nil {
			repository.registry.Preload(entry.Name())
		}
	}
	return repository, nil
}

// Dir returns the directory toolchain id is unpacked into.
func (r *CompilerRepository) Dir(id string) string {
	return filepath.Join(r.root, id)
}

// RegisterOrCheck returns the toolchain directory and whether the
// caller must have the manager upload the archive.
func (r *CompilerRepository) RegisterOrCheck(id string) (directory string, mustUpload bool) {
	return r.Dir(id), r.registry.Register(id)
}

// Install unpacks a toolchain archive and marks it ready. unpack writes
// the archive's files into the directory it is given. On failure the
// registration is abandoned.
func (r *CompilerRepository) Install(id string, unpack func(directory string) error) error {
	err := r.install(id, unpack)
	if err != nil {
		r.registry.Abandon(id, err)
		return err
	}
	r.registry.MarkReady(id)
	return nil
}

func (r *CompilerRepository) install(id string, unpack func(directory string) error) error {
	if !filepath.IsLocal(id) || filepath.Base(id) != id {
		return fmt.Errorf("invalid toolchain id %q", id)
	}
	staging, err := os.MkdirTemp(r.root, "."+id+".staging-")
	if err != nil {
		return fmt.Errorf("staging toolchain %s: %w", id, err)
	}
	defer os.RemoveAll(staging)

	if err := unpack(staging); err != nil {
		return fmt.Errorf("unpacking toolchain %s: %w", id, err)
	}
	if err := atomicfile.WriteFile(filepath.Join(staging, completeMarker), []byte(id), 0o644); err != nil {
		return err
	}
	// A leftover incomplete directory from a crashed install is replaced.
	if err := os.RemoveAll(r.Dir(id)); err != nil {
		return fmt.Errorf("clearing toolchain %s: %w", id, err)
	}
	if err := os.Rename(staging, r.Dir(id)); err != nil {
		return fmt.Errorf("installing toolchain %s: %w", id, err)
	}
	return nil
}

// WhenReady forwards to the registry.
func (r *CompilerRepository) WhenReady(id string, callback func(error)) {
	r.registry.WhenReady(id, callback)
}

// Abandon forwards to the registry.
func (r *CompilerRepository) Abandon(id string, cause error) {
	r.registry.Abandon(id, cause)
}

// State forwards to the registry.
func (r *CompilerRepository) State(id string) State {
	return r.registry.State(id)
}

// Wait blocks until toolchain id is Ready, its upload is abandoned, or
// ctx ends.
func (r *CompilerRepository) Wait(ctx context.Context, id string) error {
	return r.registry.Wait(ctx, id)
}
