// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package atomicfile writes files so that readers never observe partial
// content: data goes to a temporary file in the target's directory,
// which is renamed into place once complete.
//
// Compile servers use it for shared headers, precompiled headers and
// toolchain markers, which other sessions may read concurrently; the
// manager uses it for object files, which the build system may stat at
// any moment. Everything written here can be reproduced from the
// client, so files are not fsynced.
package atomicfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// File is a pending atomic write. Exactly one of Commit or Abort must be
// called.
type File struct {
	temporary *os.File
	path      string
	perm      os.FileMode
	done      bool
}

// Create starts an atomic write of path. Parent directories are created
// with mode 0755.
func Create(path string, perm os.FileMode) (*File, error) {
	directory := filepath.Dir(path)
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory for %s: %w", path, err)
	}
	temporary, err := os.CreateTemp(directory, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("creating temporary file for %s: %w", path, err)
	}
	return &File{temporary: temporary, path: path, perm: perm}, nil
}

// Write appends to the pending content.
func (f *File) Write(data []byte) (int, error) {
	return f.temporary.Write(data)
}

// Commit renames the completed file into place.
func (f *File) Commit() error {
	if f.done {
		return errors.New("atomicfile: Commit after Commit or Abort")
	}
	f.done = true
	temporaryPath := f.temporary.Name()

	if err := f.temporary.Chmod(f.perm); err != nil {
		f.temporary.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("setting mode of %s: %w", f.path, err)
	}
	if err := f.temporary.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary file for %s: %w", f.path, err)
	}
	if err := os.Rename(temporaryPath, f.path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming %s into place: %w", f.path, err)
	}
	return nil
}

// Abort discards the pending content. Calling Abort after Commit is a
// no-op, so it can be deferred.
func (f *File) Abort() {
	if f.done {
		return
	}
	f.done = true
	f.temporary.Close()
	os.Remove(f.temporary.Name())
}

// WriteFile atomically replaces path with data.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	file, err := Create(path, perm)
	if err != nil {
		return err
	}
	defer file.Abort()
	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return file.Commit()
}
