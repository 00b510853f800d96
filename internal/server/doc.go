// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package server implements the compile-server side of a ccfarm
// session.
//
// A manager connection carries any number of interleaved sessions. The
// connection's read loop decodes each message once and routes it by
// the server-assigned session id to that session's mailbox; every
// session runs on its own goroutine and walks the states
//
//	GetTask → DownloadMissingHeaders → [DownloadingCompiler] →
//	[DownloadingPCH] → RunningCompiler → WaitForConfirmation →
//	UploadingFile → Done
//
// Headers, precompiled headers and toolchains are shared between
// sessions through the [repository] caches: whichever session registers
// an entry first asks the manager for it, and the others wait for it to
// become Ready.
//
// A session ends with at most one terminal message. An idle timer,
// re-armed by every inbound message and suspended while the compiler
// runs, sends TIMED_OUT; CANCEL_SESSION kills any running compiler and
// is acknowledged with SESSION_CANCELLED; internal errors and panics
// are reported as SERVER_FAILED with their trace.
package server
