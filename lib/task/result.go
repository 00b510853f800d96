// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package task

import "fmt"

// Result is how a session ended.
type Result int

const (
	// Success: the session owned the completion and delivered it. A
	// nonzero compiler exit is still a successful session.
	Success Result = iota
	// Failure: the session broke (connection lost, server error).
	Failure
	// TimedOut: the server gave up on an idle session.
	TimedOut
	// Cancelled: the session was cancelled because another won.
	Cancelled
	// TooLate: the session finished after another session won.
	TooLate
	// Terminated: the session's node disappeared.
	Terminated
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case TimedOut:
		return "timed_out"
	case Cancelled:
		return "cancelled"
	case TooLate:
		return "too_late"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// Reschedules reports whether a session ending this way leaves its task
// without an answer.
func (r Result) Reschedules() bool {
	switch r {
	case Failure, TimedOut, Terminated:
		return true
	}
	return false
}

// CancelState tracks a cancellation request against a session.
type CancelState int

const (
	// CancelNone: no cancellation requested.
	CancelNone CancelState = iota
	// CancelDeferred: cancellation was requested while the session
	// awaited a reply; the next inbound message is taken as the
	// confirmation.
	CancelDeferred
	// CancelApplied: the session has been torn down.
	CancelApplied
)

func (s CancelState) String() string {
	switch s {
	case CancelNone:
		return "none"
	case CancelDeferred:
		return "deferred"
	case CancelApplied:
		return "applied"
	default:
		return fmt.Sprintf("CancelState(%d)", int(s))
	}
}
