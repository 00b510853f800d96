// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/ccfarm/lib/protocol"
	"github.com/bureau-foundation/ccfarm/lib/repository"
	"github.com/bureau-foundation/ccfarm/lib/toolchain"
)

// Invocation is one compiler run.
type Invocation struct {
	// Args[0] is the compiler executable.
	Args []string

	// Dir is the working directory.
	Dir string

	// Path lists directories prepended to PATH.
	Path []string
}

// Result is a finished compiler run.
type Result struct {
	ReturnCode int
	Stdout     []byte
	Stderr     []byte
}

// Runner runs a compiler. It must stop the compiler and return when ctx
// ends. A nonzero exit is a Result, not an error.
type Runner func(ctx context.Context, invocation Invocation) (Result, error)

// RunProcess runs the compiler as a child process in its own process
// group. Cancellation kills the whole group so helper processes (cc1,
// as) die with the driver.
func RunProcess(ctx context.Context, invocation Invocation) (Result, error) {
	if len(invocation.Args) == 0 {
		return Result{}, errors.New("empty compiler command line")
	}
	cmd := exec.CommandContext(ctx, invocation.Args[0], invocation.Args[1:]...)
	cmd.Dir = invocation.Dir
	cmd.Env = withPath(os.Environ(), invocation.Path)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		return result, nil
	}
	if ctx.Err() != nil {
		return result, context.Cause(ctx)
	}
	var exitError *exec.ExitError
	if errors.As(err, &exitError) {
		result.ReturnCode = exitError.ExitCode()
		return result, nil
	}
	return result, fmt.Errorf("running %s: %w", invocation.Args[0], err)
}

// withPath returns environ with directories prepended to PATH.
func withPath(environ []string, directories []string) []string {
	if len(directories) == 0 {
		return environ
	}
	prefix := strings.Join(directories, string(os.PathListSeparator))
	for index, entry := range environ {
		if value, ok := strings.CutPrefix(entry, "PATH="); ok {
			updated := append([]string(nil), environ...)
			updated[index] = "PATH=" + prefix + string(os.PathListSeparator) + value
			return updated
		}
	}
	return append(environ, "PATH="+prefix)
}

// objectName is the compiler output inside a session's scratch
// directory. Client files are mirrored below scratch by absolute path,
// so a top-level name cannot collide with them.
const objectName = "ccfarm-output.o"

// commandLine rebuilds the client's compiler invocation for a session
// laid out below scratch. Every client include directory becomes two
// search entries: the session's private copy first, then the machine's
// shared copy.
func commandLine(task protocol.ServerTask, scratch string, headers *repository.HeaderRepository, toolchainDir string) Invocation {
	dialect := task.Dialect
	args := []string{filepath.Join(toolchainDir, filepath.FromSlash(task.CompilerExecutable))}
	args = append(args, task.Args...)
	for _, macro := range task.Macros {
		args = append(args, dialect.Define+macro)
	}
	for _, dir := range task.IncludeDirs {
		args = append(args,
			dialect.Include, repository.ScratchDir(scratch, dir),
			dialect.Include, headers.SharedDir(task.MachineID, dir))
	}
	for _, dir := range task.SysIncludeDirs {
		args = append(args,
			dialect.SysInclude, repository.ScratchDir(scratch, dir),
			dialect.SysInclude, headers.SharedDir(task.MachineID, dir))
	}
	for _, forced := range task.ForcedIncludes {
		args = append(args, dialect.ForcedInclude, repository.ScratchDir(scratch, forced))
	}
	args = append(args,
		dialect.CompileOnly, repository.ScratchDir(scratch, task.Source),
		dialect.Output, filepath.Join(scratch, objectName))

	var path []string
	for _, dir := range task.ToolchainPath {
		path = append(path, filepath.Join(toolchainDir, filepath.FromSlash(toolchain.ArchiveName(dir))))
	}
	return Invocation{
		Args: args,
		Dir:  repository.ScratchDir(scratch, filepath.Dir(task.Source)),
		Path: path,
	}
}
