// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package options interprets gcc and clang command lines.
//
// [Parser.Parse] splits an invocation into per-source compile units
// and reports whether it must run locally instead (preprocessing only,
// dependency generation, reading from stdin, and similar modes whose
// outputs depend on the client filesystem). Arguments that do not name
// client paths are kept verbatim for the server.
//
// The parser also supplies the query commands the manager runs on the
// client to learn the compiler's helper programs and builtin include
// directories; [ProgramPaths] and [SearchDirs] interpret their output.
package options
