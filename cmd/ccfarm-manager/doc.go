// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Ccfarm-manager is the per-machine scheduler of the compilation farm.
// ccfarm-cc connects to it over a Unix socket with each compiler
// invocation; the manager parses the command line, scans headers,
// and runs the translation units on compile servers, duplicating slow
// tasks onto idle nodes.
//
// # Configuration
//
// The manager reads the YAML file named by --config or CCFARM_CONFIG.
// The manager section names the client and admin sockets, the node
// list (inline or a JSONC file polled every poll_interval) and the
// retry and grace limits.
//
// # Sockets
//
// The client socket speaks the framed COMPILE protocol. The admin
// socket serves CBOR requests; "status" returns the node pool, queue
// length and cache occupancy and backs "ccfarm status". With
// metrics_address set, Prometheus metrics are served on /metrics.
package main
