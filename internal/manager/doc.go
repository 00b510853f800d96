// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package manager implements the developer-machine side of ccfarm.
//
// A [Manager] accepts compiler invocations from ccfarm-cc over a Unix
// socket, splits each into one task per translation unit, scans the
// tasks' headers and hands them to a [nodes.Manager] for placement.
// Every placement becomes a session: a goroutine that opens the
// session on the node's compile server, sends the files the server is
// missing, and either collects the object file or reports why it
// could not.
//
// One scheduler goroutine, started by [Manager.Run], owns the node
// manager, the session table and the per-node connections. Client
// handlers, sessions and connection read loops never touch that state
// directly; they post closures to the scheduler.
//
// Several sessions may race for one task when a faster node steals
// work. The first SERVER_DONE wins the task; the winner cancels the
// others, and a loser that still reaches SERVER_DONE declines the
// object and ends TooLate.
package manager
