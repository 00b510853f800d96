// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"fmt"
	"os"
)

// Fatal writes "error: err" to stderr and exits with code 1. Binaries
// call it from main() with the error returned by run().
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

// Status maps a compiler's return code to an exit status. Codes the
// operating system cannot carry, including the -1 that marks a compile
// which never ran, become 1.
func Status(code int) int {
	if code < 0 || code > 255 {
		return 1
	}
	return code
}
