// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service holds the pieces the ccfarm daemons assemble in
// their main functions:
//
//   - [NewLogger]: JSON slog on stderr.
//   - [AdminServer] and [AdminClient]: one CBOR request and response
//     per Unix socket connection, dispatched by action name. The
//     manager answers "status" for the ccfarm CLI.
//   - [NewRegistry] and [MetricsServer]: a Prometheus registry with
//     runtime collectors, served over HTTP with graceful shutdown.
package service
