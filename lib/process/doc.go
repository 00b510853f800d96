// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds what ccfarm's main packages share about
// leaving the process: the fatal error report and the mapping from a
// compiler's return code to an exit status.
package process
