// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"time"
)

// fataler is the subset of testing.TB the helpers need.
type fataler interface {
	Helper()
	Fatalf(format string, args ...any)
}

// deadline is the wall-clock fallback behind every Require helper. It
// only fires when a test has already hung.
func deadline(timeout time.Duration) <-chan time.Time {
	return time.After(timeout) //nolint:realclock hang guard
}

// RequireReceive returns the next value on ch, failing the test if ch
// is closed or nothing arrives within timeout. what names the event
// being waited for.
//
//	result := testutil.RequireReceive(t, results, timeout, "session result")
func RequireReceive[T any](t fataler, ch <-chan T, timeout time.Duration, what string) T {
	t.Helper()
	select {
	case value, ok := <-ch:
		if !ok {
			t.Fatalf("%s: channel closed", what)
		}
		return value
	case <-deadline(timeout):
		t.Fatalf("%s: nothing received after %v", what, timeout)
	}
	panic("unreachable")
}

// RequireClosed waits up to timeout for ch to be closed or to deliver.
//
//	testutil.RequireClosed(t, server.Ready(), 5*time.Second, "admin socket ready")
func RequireClosed(t fataler, ch <-chan struct{}, timeout time.Duration, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-deadline(timeout):
		t.Fatalf("%s: still open after %v", what, timeout)
	}
}
