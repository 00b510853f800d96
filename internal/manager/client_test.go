// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/bureau-foundation/ccfarm/internal/server"
	"github.com/bureau-foundation/ccfarm/lib/protocol"
	"github.com/bureau-foundation/ccfarm/lib/task"
	"github.com/bureau-foundation/ccfarm/lib/testutil"
)

// project writes a small source tree and a fake compiler below a
// temporary root and returns the root.
func project(t *testing.T) string {
	t.Helper()
	return testutil.WriteTree(t, t.TempDir(), map[string]string{
		"src/a.c":        "#include \"local.h\"\n#include \"shared.h\"\nint a;\n",
		"src/b.c":        "#include \"shared.h\"\nint b;\n",
		"src/local.h":    "#define LOCAL 1\n",
		"inc/shared.h":   "#define SHARED 1\n",
		"src/missing.c":  "#include \"nowhere.h\"\n",
		"src/readme.txt": "not a source\n",
	})
}

func TestDistributesEveryTranslationUnit(t *testing.T) {
	root := project(t)
	compiler := testutil.FakeCompiler(t, root, "bin/gcc", "OBJ", "note: fake\n", 0)
	f := newFarm(t, Config{}, startServer(t, "alpha", 2, nil))

	cwd := filepath.Join(root, "src")
	script := &clientScript{}
	final := f.run(t, cwd, []string{compiler, "-c", "a.c", "b.c", "-I../inc", "-DNDEBUG"}, script)

	exit, ok := final.(protocol.Exit)
	if !ok {
		t.Fatalf("final command = %T (%+v), want Exit", final, final)
	}
	if exit.Code != 0 {
		t.Fatalf("Exit.Code = %d, stderr:\n%s", exit.Code, exit.Stderr)
	}
	if got, want := string(exit.Stderr), "note: fake\nnote: fake\n"; got != want {
		t.Errorf("Exit.Stderr = %q, want %q", got, want)
	}
	for _, object := range []string{"a.o", "b.o"} {
		content, err := os.ReadFile(filepath.Join(cwd, object))
		if err != nil {
			t.Fatal(err)
		}
		if string(content) != "OBJ" {
			t.Errorf("%s = %q, want OBJ", object, content)
		}
	}

	// Every query runs the client's compiler, never a link.
	for _, argv := range script.executed {
		if argv[0] != compiler || len(argv) < 2 || !strings.HasPrefix(argv[1], "-") {
			t.Errorf("unexpected client execution %q", argv)
		}
	}
	if status := f.status(); status.Sessions != 0 || status.Queued != 0 {
		t.Errorf("status after command = %+v", status)
	}
}

func TestDescribedCompilerIsCached(t *testing.T) {
	root := project(t)
	compiler := testutil.FakeCompiler(t, root, "bin/gcc", "OBJ", "", 0)
	f := newFarm(t, Config{}, startServer(t, "alpha", 1, nil))

	cwd := filepath.Join(root, "src")
	first := &clientScript{}
	if exit, ok := f.run(t, cwd, []string{compiler, "-c", "b.c", "-I../inc"}, first).(protocol.Exit); !ok || exit.Code != 0 {
		t.Fatalf("first command = %+v", exit)
	}
	second := &clientScript{}
	if exit, ok := f.run(t, cwd, []string{compiler, "-c", "b.c", "-I../inc"}, second).(protocol.Exit); !ok || exit.Code != 0 {
		t.Fatalf("second command = %+v", exit)
	}
	if len(first.executed) == 0 {
		t.Error("first command never queried the compiler")
	}
	if len(second.executed) != 0 {
		t.Errorf("second command queried again: %q", second.executed)
	}
}

func TestCompileAndLinkRunsLinkOnClient(t *testing.T) {
	root := project(t)
	compiler := testutil.FakeCompiler(t, root, "bin/gcc", "OBJ", "", 0)
	tempDir := t.TempDir()
	f := newFarm(t, Config{TempDir: tempDir}, startServer(t, "alpha", 2, nil))

	var linked []string
	script := &clientScript{
		execute: func(argv []string) protocol.Output {
			if !slices.Contains(argv, "-o") {
				return protocol.Output{}
			}
			linked = argv
			for _, object := range argv[1:3] {
				content, err := os.ReadFile(object)
				if err != nil || string(content) != "OBJ" {
					t.Errorf("object %s at link time = %q, %v", object, content, err)
				}
			}
			return protocol.Output{Stdout: []byte("linked\n")}
		},
	}
	cwd := filepath.Join(root, "src")
	final := f.run(t, cwd, []string{compiler, "a.c", "b.c", "-I../inc", "-o", "prog"}, script)

	exit, ok := final.(protocol.Exit)
	if !ok {
		t.Fatalf("final command = %T (%+v), want Exit", final, final)
	}
	if exit.Code != 0 || string(exit.Stdout) != "linked\n" {
		t.Fatalf("Exit = %+v (stderr %q)", exit, exit.Stderr)
	}
	// Preprocessor options such as -I../inc stay off the link line.
	if len(linked) != 5 {
		t.Fatalf("link command = %q", linked)
	}
	if linked[0] != compiler || !slices.Equal(linked[3:], []string{"-o", "prog"}) {
		t.Errorf("link command = %q", linked)
	}
	if !strings.HasSuffix(linked[1], "0-a.o") || !strings.HasSuffix(linked[2], "1-b.o") {
		t.Errorf("link objects = %q", linked[1:3])
	}
	for _, object := range []string{"a.o", "b.o"} {
		if _, err := os.Stat(filepath.Join(cwd, object)); !os.IsNotExist(err) {
			t.Errorf("%s written next to the sources: %v", object, err)
		}
	}

	f.clients.Wait()
	entries, err := os.ReadDir(tempDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("link directory left behind: %v", entries)
	}
}

func TestMissingHeaderFailsCommand(t *testing.T) {
	root := project(t)
	compiler := testutil.FakeCompiler(t, root, "bin/gcc", "OBJ", "", 0)
	f := newFarm(t, Config{}, startServer(t, "alpha", 1, nil))

	final := f.run(t, filepath.Join(root, "src"), []string{compiler, "-c", "missing.c"}, &clientScript{})
	exit, ok := final.(protocol.Exit)
	if !ok {
		t.Fatalf("final command = %T, want Exit", final)
	}
	if exit.Code != -1 {
		t.Errorf("Exit.Code = %d, want -1", exit.Code)
	}
	if !bytes.Contains(exit.Stderr, []byte("nowhere.h")) {
		t.Errorf("Exit.Stderr = %q, want it to name the missing header", exit.Stderr)
	}
}

func TestCommandsThatRunLocally(t *testing.T) {
	root := project(t)
	compiler := testutil.FakeCompiler(t, root, "bin/gcc", "OBJ", "", 0)
	f := newFarm(t, Config{})
	cwd := filepath.Join(root, "src")

	tests := []struct {
		name string
		argv []string
	}{
		{"preprocessing only", []string{compiler, "-E", "a.c"}},
		{"no sources", []string{compiler, "--version"}},
		{"several sources with one output", []string{compiler, "-c", "a.c", "b.c", "-o", "ab.o"}},
		{"compiler not on PATH", []string{"nonexistent-cc", "-c", "a.c"}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			final := f.run(t, cwd, test.argv, &clientScript{})
			if _, ok := final.(protocol.RunLocally); !ok {
				t.Errorf("final command = %T (%+v), want RunLocally", final, final)
			}
		})
	}
}

func TestUndescribableCompilerExecutesOnClient(t *testing.T) {
	root := project(t)
	// A compiler that fails every run cannot report its search list.
	compiler := testutil.FakeCompiler(t, root, "bin/broken-cc", "", "unsupported\n", 1)
	f := newFarm(t, Config{})

	script := &clientScript{
		execute: func(argv []string) protocol.Output {
			return protocol.Output{ReturnCode: 1, Stderr: []byte("unsupported\n")}
		},
	}
	final := f.run(t, filepath.Join(root, "src"), []string{compiler, "-c", "a.c"}, script)
	fallback, ok := final.(protocol.ExecuteAndExit)
	if !ok {
		t.Fatalf("final command = %T (%+v), want ExecuteAndExit", final, final)
	}
	if want := []string{compiler, "-c", "a.c"}; !slices.Equal(fallback.Argv, want) {
		t.Errorf("ExecuteAndExit.Argv = %q, want %q", fallback.Argv, want)
	}
}

func TestBareCompilerNameIsLocated(t *testing.T) {
	root := project(t)
	compiler := testutil.FakeCompiler(t, root, "bin/gcc", "OBJ", "", 0)
	f := newFarm(t, Config{}, startServer(t, "alpha", 1, nil))

	script := &clientScript{located: map[string]string{"gcc": compiler}}
	final := f.run(t, filepath.Join(root, "src"), []string{"gcc", "-c", "b.c", "-I../inc"}, script)
	if exit, ok := final.(protocol.Exit); !ok || exit.Code != 0 {
		t.Fatalf("final command = %T (%+v), want a successful Exit", final, final)
	}
	for _, argv := range script.executed {
		if argv[0] != compiler {
			t.Errorf("query ran %q, want the located compiler", argv[0])
		}
	}
}

func TestClientDisconnectCancelsRemoteCompile(t *testing.T) {
	root := project(t)
	compiler := testutil.FakeCompiler(t, root, "bin/gcc", "OBJ", "", 0)

	started := make(chan struct{})
	stopped := make(chan struct{})
	runner := func(ctx context.Context, invocation server.Invocation) (server.Result, error) {
		close(started)
		<-ctx.Done()
		close(stopped)
		return server.Result{}, context.Cause(ctx)
	}
	f := newFarm(t, Config{}, startServer(t, "alpha", 1, runner))

	conn, stream := f.connect()
	conversation := make(chan error, 1)
	go func() {
		_, err := (&clientScript{}).converse(conn, filepath.Join(root, "src"), []string{compiler, "-c", "b.c", "-I../inc"})
		conversation <- err
	}()

	testutil.RequireClosed(t, started, timeout, "compiler never started")
	stream.Close()
	if err := testutil.RequireReceive(t, conversation, timeout, "client conversation did not end"); err == nil {
		t.Error("conversation ended cleanly after the client hung up")
	}
	testutil.RequireClosed(t, stopped, timeout, "remote compiler was not cancelled")

	result := f.nextResult()
	if result.result != task.Cancelled {
		t.Errorf("session result = %s (%s), want Cancelled", result.result, result.detail)
	}
}
