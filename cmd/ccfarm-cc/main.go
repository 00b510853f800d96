// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/bureau-foundation/ccfarm/lib/config"
	"github.com/bureau-foundation/ccfarm/lib/process"
	"github.com/bureau-foundation/ccfarm/lib/protocol"
	"github.com/bureau-foundation/ccfarm/lib/wire"
	"github.com/bureau-foundation/ccfarm/transport"
)

const connectTimeout = 2 * time.Second

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	argv, self, err := commandLine(os.Args)
	if err != nil {
		process.Fatal(err)
	}
	os.Exit(run(argv, self, logger))
}

// commandLine returns the compiler command and the directory to skip
// when resolving programs on PATH.
func commandLine(args []string) ([]string, string, error) {
	self := ""
	if executable, err := os.Executable(); err == nil {
		self = filepath.Dir(executable)
	}
	if name := filepath.Base(args[0]); name != "ccfarm-cc" {
		return append([]string{name}, args[1:]...), self, nil
	}
	if len(args) < 2 {
		return nil, "", errors.New("usage: ccfarm-cc <compiler> [arguments...]")
	}
	return args[1:], self, nil
}

func run(argv []string, self string, logger *slog.Logger) int {
	host := localHost{skip: self}
	cwd, err := os.Getwd()
	if err != nil {
		logger.Warn("ccfarm-cc: compiling locally", "error", err)
		return host.run(argv)
	}

	final, err := ask(cwd, argv, host)
	if err != nil {
		logger.Warn("ccfarm-cc: manager unavailable, compiling locally", "error", err)
		return host.run(argv)
	}
	switch final := final.(type) {
	case protocol.RunLocally:
		return host.run(argv)
	case protocol.ExecuteAndExit:
		return host.run(final.Argv)
	case protocol.Exit:
		os.Stdout.Write(final.Stdout)
		os.Stderr.Write(final.Stderr)
		return process.Status(final.Code)
	default:
		logger.Warn("ccfarm-cc: unexpected manager reply, compiling locally", "reply", fmt.Sprintf("%T", final))
		return host.run(argv)
	}
}

// ask connects to the manager and carries the conversation to its
// final command.
func ask(cwd string, argv []string, host host) (protocol.ClientCommand, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	stream, err := transport.UnixDialer{}.DialContext(ctx, socketPath())
	if err != nil {
		return nil, err
	}
	conn := wire.NewConn(stream, 0)
	defer conn.Close()
	return converse(conn, cwd, argv, host)
}

func socketPath() string {
	if path := os.Getenv("CCFARM_SOCKET"); path != "" {
		return path
	}
	if path := os.Getenv("CCFARM_CONFIG"); path != "" {
		if cfg, err := config.LoadFile(path); err == nil {
			return cfg.Manager.ClientSocket
		}
	}
	cfg := config.Default()
	cfg.ExpandVariables()
	return cfg.Manager.ClientSocket
}

// localHost runs commands on this machine.
type localHost struct {
	// skip is a PATH directory ignored by Locate, holding the
	// compiler-named links to ccfarm-cc.
	skip string
}

func (h localHost) Execute(argv []string) protocol.Output {
	if len(argv) == 0 {
		return protocol.Output{ReturnCode: -1, Stderr: []byte("ccfarm-cc: empty command\n")}
	}
	path := argv[0]
	if filepath.Base(path) == path {
		if path = h.Locate(path); path == "" {
			return protocol.Output{ReturnCode: 127, Stderr: fmt.Appendf(nil, "ccfarm-cc: %s: not found\n", argv[0])}
		}
	}
	cmd := exec.Command(path, argv[1:]...)
	var stdout, stderr limitedBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	output := protocol.Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		output.ReturnCode = exitErr.ExitCode()
	default:
		output.ReturnCode = -1
		output.Stderr = append(output.Stderr, fmt.Appendf(nil, "ccfarm-cc: %v\n", err)...)
	}
	return output
}

func (h localHost) Locate(name string) string {
	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		if dir == "" || !filepath.IsAbs(dir) {
			continue
		}
		if h.skip != "" && sameDir(dir, h.skip) {
			continue
		}
		candidate := filepath.Join(dir, name)
		info, err := os.Stat(candidate)
		if err == nil && info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0 {
			return candidate
		}
	}
	return ""
}

// run executes argv with this process's standard streams and returns
// its exit status.
func (h localHost) run(argv []string) int {
	path := argv[0]
	if filepath.Base(path) == path {
		if path = h.Locate(path); path == "" {
			fmt.Fprintf(os.Stderr, "ccfarm-cc: %s: not found\n", argv[0])
			return 127
		}
	}
	cmd := exec.Command(path, argv[1:]...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return process.Status(exitErr.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "ccfarm-cc: %v\n", err)
		return 1
	}
	return 0
}

func sameDir(a, b string) bool {
	if filepath.Clean(a) == filepath.Clean(b) {
		return true
	}
	aInfo, errA := os.Stat(a)
	bInfo, errB := os.Stat(b)
	return errA == nil && errB == nil && os.SameFile(aInfo, bInfo)
}
