// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/bureau-foundation/ccfarm/lib/atomicfile"
	"github.com/bureau-foundation/ccfarm/lib/compress"
	"github.com/bureau-foundation/ccfarm/lib/contenthash"
	"github.com/bureau-foundation/ccfarm/lib/protocol"
)

// PCHRepository stores precompiled headers received from managers. An
// entry is keyed by the client's (path, size, mtime) descriptor.
type PCHRepository struct {
	root     string
	registry *Registry[protocol.PCHDescriptor]
}

// NewPCHRepository stores PCH files below root.
func NewPCHRepository(root string) *PCHRepository {
	return &PCHRepository{root: root, registry: NewRegistry[protocol.PCHDescriptor]()}
}

// Path returns where the PCH described by descriptor lives on this
// server. The file keeps its client base name so the compiler finds it
// next to the header it was built from.
func (r *PCHRepository) Path(descriptor protocol.PCHDescriptor) string {
	clientDirectory := contenthash.Header([]byte(filepath.Dir(descriptor.Path))).String()[:16]
	version := strconv.FormatInt(descriptor.Size, 10) + "-" + strconv.FormatInt(descriptor.MTime, 10)
	return filepath.Join(r.root, clientDirectory, version, filepath.Base(descriptor.Path))
}

// RegisterOrCheck returns the local path for descriptor and whether the
// caller must have the manager upload it.
func (r *PCHRepository) RegisterOrCheck(descriptor protocol.PCHDescriptor) (localPath string, mustUpload bool) {
	return r.Path(descriptor), r.registry.Register(descriptor)
}

// Install decompresses a zstd PCH stream to the descriptor's path and
// marks it ready. On failure the registration is abandoned.
func (r *PCHRepository) Install(descriptor protocol.PCHDescriptor, compressed []byte) error {
	err := r.install(descriptor, compressed)
	if err != nil {
		r.registry.Abandon(descriptor, err)
		return err
	}
	r.registry.MarkReady(descriptor)
	return nil
}

func (r *PCHRepository) install(descriptor protocol.PCHDescriptor, compressed []byte) error {
	file, err := atomicfile.Create(r.Path(descriptor), 0o644)
	if err != nil {
		return err
	}
	defer file.Abort()
	written, err := compress.DecompressTo(file, compressed)
	if err != nil {
		return fmt.Errorf("installing PCH %s: %w", descriptor.Path, err)
	}
	if written != descriptor.Size {
		return fmt.Errorf("installing PCH %s: decoded %d bytes, descriptor says %d", descriptor.Path, written, descriptor.Size)
	}
	return file.Commit()
}

// WhenReady forwards to the registry.
func (r *PCHRepository) WhenReady(descriptor protocol.PCHDescriptor, callback func(error)) {
	r.registry.WhenReady(descriptor, callback)
}

// Abandon forwards to the registry.
func (r *PCHRepository) Abandon(descriptor protocol.PCHDescriptor, cause error) {
	r.registry.Abandon(descriptor, cause)
}

// State forwards to the registry.
func (r *PCHRepository) State(descriptor protocol.PCHDescriptor) State {
	return r.registry.State(descriptor)
}

// Wait blocks until the PCH is Ready, its upload is abandoned, or ctx
// ends.
func (r *PCHRepository) Wait(ctx context.Context, descriptor protocol.PCHDescriptor) error {
	return r.registry.Wait(ctx, descriptor)
}
