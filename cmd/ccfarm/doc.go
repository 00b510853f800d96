// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Ccfarm is the operator CLI for a compilation farm:
//
//	ccfarm status            node pool, queue and cache of the manager
//	ccfarm nodes check FILE  validate a JSONC node list
//	ccfarm config check      load, validate and print the configuration
//	ccfarm version
//
// status talks to the manager's admin socket, located like the
// daemons locate it: --socket, else manager.admin_socket from the
// file named by --config or CCFARM_CONFIG, else the default.
package main
