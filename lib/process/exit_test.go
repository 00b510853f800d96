// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import "testing"

func TestStatus(t *testing.T) {
	for code, want := range map[int]int{0: 0, 1: 1, 255: 255, -1: 1, 256: 1} {
		if got := Status(code); got != want {
			t.Errorf("Status(%d) = %d, want %d", code, got, want)
		}
	}
}
