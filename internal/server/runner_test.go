// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/bureau-foundation/ccfarm/lib/protocol"
	"github.com/bureau-foundation/ccfarm/lib/repository"
	"github.com/bureau-foundation/ccfarm/lib/testutil"
)

func TestCommandLine(t *testing.T) {
	headers := repository.NewHeaderRepository("/repo/headers")
	task := protocol.ServerTask{
		MachineID:          "host",
		CompilerExecutable: "opt/gcc/bin/g++",
		Dialect:            protocol.GCCDialect,
		Args:               []string{"-O2", "-std=c++20"},
		Macros:             []string{"NDEBUG", "LEVEL=2"},
		IncludeDirs:        []string{"/work/include"},
		SysIncludeDirs:     []string{"/usr/include"},
		ForcedIncludes:     []string{"/work/src/pch.h"},
		Source:             "/work/src/a.cc",
		ToolchainPath:      []string{"/opt/gcc/libexec"},
	}

	got := commandLine(task, "/scratch/s1", headers, "/repo/compilers/tc")

	want := Invocation{
		Args: []string{
			"/repo/compilers/tc/opt/gcc/bin/g++",
			"-O2", "-std=c++20",
			"-DNDEBUG", "-DLEVEL=2",
			"-I", "/scratch/s1/work/include", "-I", "/repo/headers/host/work/include",
			"-isystem", "/scratch/s1/usr/include", "-isystem", "/repo/headers/host/usr/include",
			"-include", "/scratch/s1/work/src/pch.h",
			"-c", "/scratch/s1/work/src/a.cc",
			"-o", "/scratch/s1/ccfarm-output.o",
		},
		Dir:  "/scratch/s1/work/src",
		Path: []string{"/repo/compilers/tc/opt/gcc/libexec"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("commandLine =\n%#v\nwant\n%#v", got, want)
	}
}

func TestRunProcessReportsExitAndOutput(t *testing.T) {
	dir := t.TempDir()
	output := filepath.Join(dir, "out.o")

	ok := testutil.FakeCompiler(t, dir, "ok-cc", "OBJ", "warning: unused\n", 0)
	result, err := RunProcess(context.Background(), Invocation{Args: []string{ok, "-c", "a.c", "-o", output}, Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if result.ReturnCode != 0 || string(result.Stderr) != "warning: unused\n" {
		t.Errorf("result = %+v", result)
	}
	if content, err := os.ReadFile(output); err != nil || string(content) != "OBJ" {
		t.Errorf("object = %q, %v", content, err)
	}

	failing := testutil.FakeCompiler(t, dir, "bad-cc", "", "error: broken\n", 2)
	result, err = RunProcess(context.Background(), Invocation{Args: []string{failing, "-c", "a.c"}, Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if result.ReturnCode != 2 || string(result.Stderr) != "error: broken\n" {
		t.Errorf("result = %+v", result)
	}
}

func TestRunProcessKillsProcessGroup(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "hang-cc")
	// The child sleep keeps stdout open; only a group kill ends it.
	if err := os.WriteFile(script, []byte("#!/bin/sh\nsleep 300 &\nwait\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	finished := make(chan error, 1)
	go func() {
		_, err := RunProcess(ctx, Invocation{Args: []string{script}, Dir: dir})
		finished <- err
	}()

	err := testutil.RequireReceive(t, finished, 10*time.Second, "compiler outlived its context")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestWithPathPrependsDirectories(t *testing.T) {
	environ := []string{"HOME=/home/u", "PATH=/usr/bin:/bin"}
	got := withPath(environ, []string{"/tc/a", "/tc/b"})
	want := []string{"HOME=/home/u", "PATH=/tc/a:/tc/b:/usr/bin:/bin"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("withPath = %v, want %v", got, want)
	}
	if environ[1] != "PATH=/usr/bin:/bin" {
		t.Error("withPath modified its input")
	}
	if got := withPath([]string{"HOME=/"}, []string{"/tc"}); !reflect.DeepEqual(got, []string{"HOME=/", "PATH=/tc"}) {
		t.Errorf("withPath without PATH = %v", got)
	}
}
