// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package repository holds the compile server's content caches:
// headers (per client machine), precompiled headers and compiler
// toolchains.
//
// All three share [Registry], a keyed state table in which an entry is
// Absent, InFlight or Ready. The first session to [Registry.Register] a
// key moves it to InFlight and is told to have the manager upload the
// content; later sessions are told the content is coming and queue
// callbacks with [Registry.WhenReady]. [Registry.MarkReady] runs the
// queued callbacks in arrival order. If the uploading session dies,
// [Registry.Abandon] returns the key to Absent and fails the waiters so
// no session waits on content that will never arrive.
//
// Entries are never evicted; the caches live for the server process.
package repository
