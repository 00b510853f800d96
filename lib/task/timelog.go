// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package task

import (
	"sync"
	"time"
)

// TimePoint is a named moment in a task's life.
type TimePoint struct {
	Name string
	At   time.Time
}

// TimeLog is an append-only list of time points, safe for concurrent
// use.
type TimeLog struct {
	mu     sync.Mutex
	points []TimePoint
}

// Mark appends a point.
func (l *TimeLog) Mark(name string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.points = append(l.points, TimePoint{Name: name, At: at})
}

// Points returns a copy of the log.
func (l *TimeLog) Points() []TimePoint {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]TimePoint(nil), l.points...)
}

// Elapsed returns the time between the first point named from and the
// last point named to, or zero if either is missing.
func (l *TimeLog) Elapsed(from, to string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	var start, end time.Time
	for _, point := range l.points {
		if point.Name == from && start.IsZero() {
			start = point.At
		}
		if point.Name == to {
			end = point.At
		}
	}
	if start.IsZero() || end.IsZero() {
		return 0
	}
	return end.Sub(start)
}
