// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import "time"

// ServerTask is the payload of NEW_SESSION: everything a compile server
// needs to reproduce one compilation. It is built once by the manager
// after header scanning and never modified afterwards.
type ServerTask struct {
	// MachineID identifies the client machine. Shared headers are
	// cached per machine on the server.
	MachineID string `cbor:"1,keyasint"`

	// CompilerID is the content hash of the compiler toolchain archive.
	CompilerID string `cbor:"2,keyasint"`

	// CompilerExecutable is the compiler's path relative to the
	// toolchain archive root.
	CompilerExecutable string `cbor:"3,keyasint"`

	// Dialect gives the flag spellings used to rebuild the command
	// line on the server.
	Dialect Dialect `cbor:"4,keyasint"`

	// Args are the compiler arguments that do not depend on the
	// server's filesystem layout (optimization, warnings, language).
	Args []string `cbor:"5,keyasint,omitempty"`

	Macros         []string `cbor:"6,keyasint,omitempty"`
	IncludeDirs    []string `cbor:"7,keyasint,omitempty"`
	SysIncludeDirs []string `cbor:"8,keyasint,omitempty"`
	ForcedIncludes []string `cbor:"9,keyasint,omitempty"`

	// Source is the translation unit's path on the client. The server
	// receives its content as the last TASK_FILES entry.
	Source string `cbor:"10,keyasint"`

	PCH *PCHDescriptor `cbor:"11,keyasint,omitempty"`

	// Headers lists every header the scanner found, with its checksum.
	Headers []HeaderRef `cbor:"12,keyasint,omitempty"`

	// ToolchainPath lists client directories holding the toolchain's
	// helper programs. The server prepends their unpacked locations to
	// the compiler's PATH.
	ToolchainPath []string `cbor:"13,keyasint,omitempty"`
}

// Dialect holds the option spellings of one compiler family.
type Dialect struct {
	Include       string `cbor:"1,keyasint"`
	SysInclude    string `cbor:"2,keyasint"`
	ForcedInclude string `cbor:"3,keyasint"`
	Define        string `cbor:"4,keyasint"`
	Output        string `cbor:"5,keyasint"`
	CompileOnly   string `cbor:"6,keyasint"`
}

// GCCDialect is the spelling used by gcc and clang.
var GCCDialect = Dialect{
	Include:       "-I",
	SysInclude:    "-isystem",
	ForcedInclude: "-include",
	Define:        "-D",
	Output:        "-o",
	CompileOnly:   "-c",
}

// PCHDescriptor identifies a precompiled header by where it lives on
// the client and its size and modification time there. Two descriptors
// are the same PCH iff all three fields match.
type PCHDescriptor struct {
	Path  string `cbor:"1,keyasint"`
	Size  int64  `cbor:"2,keyasint"`
	MTime int64  `cbor:"3,keyasint"` // unix nanoseconds
}

// NewPCHDescriptor describes the file at path with the given stat
// results.
func NewPCHDescriptor(path string, size int64, modified time.Time) PCHDescriptor {
	return PCHDescriptor{Path: path, Size: size, MTime: modified.UnixNano()}
}

// HeaderRef is one header found by the scanner. Dir is the include
// directory (or the source's directory for relative headers) and Name
// the path below it.
type HeaderRef struct {
	Dir      string `cbor:"1,keyasint"`
	Name     string `cbor:"2,keyasint"`
	Checksum string `cbor:"3,keyasint"`

	// Relative headers were found next to the source file or another
	// relative header. They are task-specific and always sent.
	Relative bool `cbor:"4,keyasint,omitempty"`
}

// FileRef names a file the server wants from the manager.
type FileRef struct {
	Dir  string `cbor:"1,keyasint"`
	Name string `cbor:"2,keyasint"`
}

// File is a FileRef with its content, as carried by TASK_FILES.
type File struct {
	Dir     string
	Name    string
	Content []byte
}
