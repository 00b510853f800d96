// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports which build of ccfarm is running.
//
// Release builds inject [GitCommit], [BuildTime] and [Version] with
// -ldflags -X. Builds from a checkout without them fall back to the
// revision the go command stamps into the binary, and to "unknown"
// when there is none (test binaries, for example).
package version
