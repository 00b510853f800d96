// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

// SocketDir creates a directory directly under /tmp for Unix sockets.
// t.TempDir() can exceed the 108-byte sun_path limit under some test
// runners. The directory is removed when the test completes.
func SocketDir(t *testing.T) string {
	t.Helper()
	directory, err := os.MkdirTemp("/tmp", "ccfarm-")
	if err != nil {
		t.Fatalf("creating socket directory: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(directory) })
	return directory
}

// WriteTree writes files (relative path to content) under root and
// returns root. Parent directories are created as needed.
func WriteTree(t *testing.T, root string, files map[string]string) string {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("creating directory for %s: %v", name, err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("writing %s: %v", name, err)
		}
	}
	return root
}

// FakeCompiler writes an executable shell script at dir/name and
// returns its path. The script understands "-o <path>": it writes
// objectContent there and exits with exitCode. stderrText, if set, is
// printed to standard error.
func FakeCompiler(t *testing.T, dir, name, objectContent, stderrText string, exitCode int) string {
	t.Helper()
	script := `#!/bin/sh
out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "-o" ]; then shift; out="$1"; fi
  shift
done
if [ -n "$CCFARM_FAKE_STDERR" ]; then printf '%s' "$CCFARM_FAKE_STDERR" >&2; fi
if [ "$CCFARM_FAKE_EXIT" = "0" ] && [ -n "$out" ]; then printf '%s' "$CCFARM_FAKE_OBJECT" > "$out"; fi
exit "$CCFARM_FAKE_EXIT"
`
	// Bake the parameters in so the script needs no environment.
	header := "#!/bin/sh\n" +
		"CCFARM_FAKE_OBJECT=" + shellQuote(objectContent) + "\n" +
		"CCFARM_FAKE_STDERR=" + shellQuote(stderrText) + "\n" +
		"CCFARM_FAKE_EXIT=" + shellQuote(strconv.Itoa(exitCode)) + "\n"
	script = header + script[len("#!/bin/sh\n"):]

	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("writing fake compiler: %v", err)
	}
	return path
}

func shellQuote(value string) string {
	quoted := "'"
	for _, r := range value {
		if r == '\'' {
			quoted += `'\''`
			continue
		}
		quoted += string(r)
	}
	return quoted + "'"
}
