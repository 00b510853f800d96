// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Ccfarm-server runs compiles for ccfarm managers. It listens on TCP,
// keeps the shared headers, precompiled headers and toolchains that
// managers upload in a repository directory, and runs each session's
// compiler in a private scratch directory.
//
// Settings come from the server section of the file named by --config
// or CCFARM_CONFIG: the listen address, the number of compile slots,
// the idle session timeout and the repository and scratch roots.
// --listen and --slots override the file.
package main
