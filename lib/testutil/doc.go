// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for ccfarm packages.
//
// [RequireReceive] and [RequireClosed] wrap the hang guard (a select
// with a wall-clock fallback) so individual tests never call
// time.After themselves. Everything else in the test suite runs on
// lib/clock's fake clock.
//
// [SocketDir] creates a short temporary directory for Unix sockets,
// whose paths are limited to 108 bytes.
//
// [WriteTree] materializes a map of relative paths to contents, which
// is how scanner, repository and server tests build source trees.
// [FakeCompiler] writes a shell script standing in for a compiler.
package testutil
