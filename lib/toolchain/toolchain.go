// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package toolchain packages a compiler and its helper programs so a
// compile server can run exactly the client's compiler.
//
// A [Toolchain] lists the client files that make up the compiler. Each
// file is stored in the archive under its absolute client path with the
// leading slash removed, so the extracted tree mirrors the client's
// layout and compilers that locate helpers relative to their own
// executable keep working. The toolchain's identity is the
// order-independent hash of those names, modes and contents.
package toolchain

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/bureau-foundation/ccfarm/lib/contenthash"
)

// File is one member of a toolchain.
type File struct {
	// Path is the file's absolute path on the client.
	Path string
	// Name is the path inside the archive.
	Name string
	Mode os.FileMode
}

// Toolchain describes a compiler as a set of client files.
type Toolchain struct {
	ID contenthash.Sum
	// Executable is the compiler's archive name.
	Executable string
	Files      []File
}

// ArchiveName maps an absolute client path to its archive name.
func ArchiveName(path string) string {
	return strings.TrimPrefix(filepath.ToSlash(filepath.Clean(path)), "/")
}

// Describe hashes executable and helpers (absolute paths, duplicates
// ignored) into a Toolchain. Symlinks are followed.
func Describe(executable string, helpers []string) (Toolchain, error) {
	if !filepath.IsAbs(executable) {
		return Toolchain{}, fmt.Errorf("toolchain executable %q is not absolute", executable)
	}
	seen := make(map[string]bool)
	var files []File
	var hashed []contenthash.ToolchainFile
	for _, path := range append([]string{executable}, helpers...) {
		if !filepath.IsAbs(path) {
			return Toolchain{}, fmt.Errorf("toolchain file %q is not absolute", path)
		}
		name := ArchiveName(path)
		if seen[name] {
			continue
		}
		seen[name] = true

		info, err := os.Stat(path)
		if err != nil {
			return Toolchain{}, fmt.Errorf("describing toolchain: %w", err)
		}
		if !info.Mode().IsRegular() {
			return Toolchain{}, fmt.Errorf("toolchain file %s is not a regular file", path)
		}
		sum, err := contenthash.HeaderFile(path)
		if err != nil {
			return Toolchain{}, fmt.Errorf("describing toolchain: %w", err)
		}
		files = append(files, File{Path: path, Name: name, Mode: info.Mode().Perm()})
		hashed = append(hashed, contenthash.ToolchainFile{Name: name, Mode: uint32(info.Mode().Perm()), Content: sum})
	}
	return Toolchain{
		ID:         contenthash.Toolchain(hashed),
		Executable: ArchiveName(executable),
		Files:      files,
	}, nil
}

// WriteArchive writes the toolchain as a zip archive to w.
func (t Toolchain) WriteArchive(w io.Writer) error {
	archive := zip.NewWriter(w)
	for _, file := range t.Files {
		header := &zip.FileHeader{Name: file.Name, Method: zip.Deflate}
		header.SetMode(file.Mode)
		writer, err := archive.CreateHeader(header)
		if err != nil {
			return fmt.Errorf("archiving %s: %w", file.Path, err)
		}
		source, err := os.Open(file.Path)
		if err != nil {
			return fmt.Errorf("archiving %s: %w", file.Path, err)
		}
		_, err = io.Copy(writer, source)
		source.Close()
		if err != nil {
			return fmt.Errorf("archiving %s: %w", file.Path, err)
		}
	}
	if err := archive.Close(); err != nil {
		return fmt.Errorf("finishing toolchain archive: %w", err)
	}
	return nil
}

// Archive returns the zip archive in memory.
func (t Toolchain) Archive() ([]byte, error) {
	var buffer bytes.Buffer
	if err := t.WriteArchive(&buffer); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// Extract unpacks a toolchain archive below directory. Entries that
// would escape directory are rejected.
func Extract(archive []byte, directory string) error {
	reader, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return fmt.Errorf("opening toolchain archive: %w", err)
	}
	for _, entry := range reader.File {
		if !filepath.IsLocal(entry.Name) {
			return fmt.Errorf("toolchain archive entry %q escapes the extraction directory", entry.Name)
		}
		if strings.HasSuffix(entry.Name, "/") {
			continue
		}
		if err := extractFile(entry, filepath.Join(directory, filepath.FromSlash(entry.Name))); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(entry *zip.File, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("extracting %s: %w", entry.Name, err)
	}
	source, err := entry.Open()
	if err != nil {
		return fmt.Errorf("extracting %s: %w", entry.Name, err)
	}
	defer source.Close()

	mode := entry.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	destination, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("extracting %s: %w", entry.Name, err)
	}
	if _, err := io.Copy(destination, source); err != nil {
		destination.Close()
		return fmt.Errorf("extracting %s: %w", entry.Name, err)
	}
	return destination.Close()
}
