// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package contenthash computes the content identities ccfarm uses to
// decide what a compile server already has: header checksums and
// compiler toolchain ids.
//
// Hashes are BLAKE3 in keyed mode with a fixed key per domain, so a
// header and a toolchain with identical bytes never share an identity.
package contenthash

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/zeebo/blake3"
)

// Sum is a 32-byte BLAKE3 digest.
type Sum [32]byte

type domainKey [32]byte

// Domain keys are ASCII names zero-padded to 32 bytes. Changing one
// invalidates every cached entry in that domain.
var (
	headerDomainKey = domainKey{
		'c', 'c', 'f', 'a', 'r', 'm', '.', 'h', 'e', 'a', 'd', 'e', 'r',
	}

	toolchainDomainKey = domainKey{
		'c', 'c', 'f', 'a', 'r', 'm', '.', 't', 'o', 'o', 'l', 'c', 'h', 'a', 'i', 'n',
	}
)

// String returns the lowercase hex encoding.
func (s Sum) String() string { return hex.EncodeToString(s[:]) }

// IsZero reports whether s is the zero value.
func (s Sum) IsZero() bool { return s == Sum{} }

// Parse decodes a 64-character hex string.
func Parse(text string) (Sum, error) {
	var sum Sum
	if len(text) != hex.EncodedLen(len(sum)) {
		return Sum{}, fmt.Errorf("content hash %q: want %d hex characters", text, hex.EncodedLen(len(sum)))
	}
	if _, err := hex.Decode(sum[:], []byte(text)); err != nil {
		return Sum{}, fmt.Errorf("content hash %q: %w", text, err)
	}
	return sum, nil
}

func newHasher(key domainKey) *blake3.Hasher {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("contenthash: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	return hasher
}

func sumOf(hasher *blake3.Hasher) Sum {
	var sum Sum
	copy(sum[:], hasher.Sum(nil))
	return sum
}

// Header returns the checksum of a header file's content.
func Header(content []byte) Sum {
	hasher := newHasher(headerDomainKey)
	hasher.Write(content)
	return sumOf(hasher)
}

// HeaderFile streams the file at path through the header hash.
func HeaderFile(path string) (Sum, error) {
	file, err := os.Open(path)
	if err != nil {
		return Sum{}, err
	}
	defer file.Close()

	hasher := newHasher(headerDomainKey)
	if _, err := io.Copy(hasher, file); err != nil {
		return Sum{}, fmt.Errorf("hashing %s: %w", path, err)
	}
	return sumOf(hasher), nil
}

// ToolchainFile is one member of a compiler toolchain.
type ToolchainFile struct {
	// Name is the path inside the toolchain archive.
	Name string
	Mode uint32
	// Content is the header-domain hash of the file's bytes.
	Content Sum
}

// Toolchain returns the identity of a set of toolchain files. The
// result is independent of the order of files.
func Toolchain(files []ToolchainFile) Sum {
	sorted := slices.Clone(files)
	slices.SortFunc(sorted, func(a, b ToolchainFile) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})

	hasher := newHasher(toolchainDomainKey)
	for _, file := range sorted {
		// Length-prefixed names keep ("ab","c") and ("a","bc") apart.
		fmt.Fprintf(hasher, "%d:%s:%o:", len(file.Name), file.Name, file.Mode)
		hasher.Write(file.Content[:])
	}
	return sumOf(hasher)
}
