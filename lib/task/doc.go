// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package task models the manager's unit of work.
//
// A [Command] is one intercepted compiler invocation. It owns one
// [Task] per translation unit. A task may be attempted by several
// sessions, concurrently when the node manager duplicates it onto an
// idle node; the first session to call [Task.RegisterCompletion] owns
// the result and every other running session must be cancelled. The
// owner never changes once set.
//
// Sessions end with a [Result]; results that mean "this attempt did
// not produce an answer" make the node manager reschedule the task.
package task
