// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/bureau-foundation/ccfarm/lib/options"
	"github.com/bureau-foundation/ccfarm/lib/protocol"
	"github.com/bureau-foundation/ccfarm/lib/task"
	"github.com/bureau-foundation/ccfarm/lib/wire"
)

var errClientGone = errors.New("client disconnected")

// HandleClient serves one ccfarm-cc connection. The client opens with
// COMPILE and the manager ends the conversation with RUN_LOCALLY,
// EXECUTE_AND_EXIT or EXIT, possibly after EXECUTE_GET_OUTPUT and
// LOCATE_FILES round trips. A client that disconnects while its
// command runs has the command's tasks cancelled.
func (m *Manager) HandleClient(ctx context.Context, stream net.Conn) {
	m.metrics.clientConnected()
	defer m.metrics.clientDisconnected()

	c := newClient(ctx, m, stream)
	defer c.close()
	if err := c.serve(); err != nil {
		if errors.Is(err, errClientGone) || ctx.Err() != nil {
			c.logger.Debug("client conversation ended early", "error", err)
			return
		}
		c.logger.Warn("client request failed", "error", err)
	}
}

// client is one ccfarm-cc conversation. A reader goroutine feeds
// incoming so a disconnect is noticed while the command runs.
type client struct {
	manager *Manager
	ctx     context.Context
	cancel  context.CancelFunc
	wire    *wire.Conn
	logger  *slog.Logger

	incoming chan protocol.ClientRequest
	// readErr is valid once incoming is closed.
	readErr error
	reader  sync.WaitGroup
	stop    func() bool
}

func newClient(ctx context.Context, m *Manager, stream net.Conn) *client {
	c := &client{
		manager:  m,
		wire:     wire.NewConn(stream, m.config.MaxMessageSize),
		logger:   m.logger,
		incoming: make(chan protocol.ClientRequest),
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.stop = context.AfterFunc(c.ctx, func() { c.wire.Close() })
	c.reader.Go(c.read)
	return c
}

func (c *client) read() {
	defer close(c.incoming)
	for {
		parts, err := c.wire.Receive()
		if err != nil {
			c.readErr = err
			return
		}
		request, err := protocol.DecodeClientRequest(parts)
		if err != nil {
			c.readErr = err
			return
		}
		select {
		case c.incoming <- request:
		case <-c.ctx.Done():
			c.readErr = c.ctx.Err()
			return
		}
	}
}

func (c *client) close() {
	c.stop()
	c.cancel()
	c.wire.Close()
	c.reader.Wait()
}

func (c *client) disconnected() error {
	if errors.Is(c.readErr, io.EOF) {
		return errClientGone
	}
	return fmt.Errorf("%w: %v", errClientGone, c.readErr)
}

func (c *client) receive() (protocol.ClientRequest, error) {
	select {
	case request, ok := <-c.incoming:
		if !ok {
			return nil, c.disconnected()
		}
		return request, nil
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
}

func (c *client) send(command protocol.ClientCommand) error {
	if err := c.wire.Send(protocol.EncodeClientCommand(command)...); err != nil {
		return fmt.Errorf("%w: sending %T: %v", errClientGone, command, err)
	}
	return nil
}

// execute runs argv on the client machine.
func (c *client) execute(argv []string) (protocol.Output, error) {
	if err := c.send(protocol.ExecuteGetOutput{Argv: argv}); err != nil {
		return protocol.Output{}, err
	}
	reply, err := c.receive()
	if err != nil {
		return protocol.Output{}, err
	}
	output, ok := reply.(protocol.Output)
	if !ok {
		return protocol.Output{}, fmt.Errorf("client answered EXECUTE_GET_OUTPUT with %T", reply)
	}
	return output, nil
}

// locate resolves executable names on the client's PATH.
func (c *client) locate(names []string) ([]string, error) {
	if err := c.send(protocol.LocateFiles{Names: names}); err != nil {
		return nil, err
	}
	reply, err := c.receive()
	if err != nil {
		return nil, err
	}
	located, ok := reply.(protocol.Located)
	if !ok {
		return nil, fmt.Errorf("client answered LOCATE_FILES with %T", reply)
	}
	if len(located.Paths) != len(names) {
		return nil, fmt.Errorf("client located %d paths for %d names", len(located.Paths), len(names))
	}
	return located.Paths, nil
}

func (c *client) runLocally(reason string) error {
	c.logger.Debug("running command locally", "reason", reason)
	c.manager.metrics.command("local")
	return c.send(protocol.RunLocally{})
}

func (c *client) serve() error {
	request, err := c.receive()
	if err != nil {
		return err
	}
	// The decoder guarantees Compile carries at least argv[0].
	compile, ok := request.(protocol.Compile)
	if !ok {
		return fmt.Errorf("client opened with %T", request)
	}
	c.logger = c.logger.With("cwd", compile.Cwd, "compiler", compile.Argv[0])

	invocation, err := c.manager.config.Parser.Parse(compile.Cwd, compile.Argv)
	if err != nil {
		return c.runLocally(err.Error())
	}
	if invocation.Local != "" {
		return c.runLocally(invocation.Local)
	}

	path, err := c.resolveCompiler(compile.Cwd, invocation.Compiler)
	if err != nil {
		return err
	}
	if path == "" {
		return c.runLocally("compiler not found on the client's PATH")
	}

	described, err := c.manager.describeCompiler(c.ctx, c, path, invocation.Language)
	if err != nil {
		if errors.Is(err, errClientGone) || c.ctx.Err() != nil {
			return err
		}
		c.logger.Warn("compiler cannot be distributed", "path", path, "error", err)
		c.manager.metrics.command("fallback")
		return c.send(protocol.ExecuteAndExit{Argv: append([]string{path}, compile.Argv[1:]...)})
	}
	return c.distribute(compile, invocation, path, described)
}

// resolveCompiler returns the absolute path of the compiler, or "" if
// the client cannot find it.
func (c *client) resolveCompiler(cwd, name string) (string, error) {
	if strings.ContainsRune(name, '/') {
		if filepath.IsAbs(name) {
			return filepath.Clean(name), nil
		}
		return filepath.Join(cwd, name), nil
	}
	located, err := c.locate([]string{name})
	if err != nil {
		return "", err
	}
	return located[0], nil
}

// distribute runs the command's translation units on the node pool
// and, for compile-and-link commands, links the objects on the client.
func (c *client) distribute(compile protocol.Compile, invocation *options.Invocation, path string, described *compiler) error {
	m := c.manager
	command := task.NewCommand(m.nextID(), compile.Cwd, compile.Argv)

	outputs := make([]string, len(invocation.Units))
	for index, unit := range invocation.Units {
		outputs[index] = unit.Output
	}
	if invocation.Link {
		dir, err := os.MkdirTemp(m.config.TempDir, "ccfarm-link-")
		if err != nil {
			return fmt.Errorf("creating link directory: %w", err)
		}
		defer os.RemoveAll(dir)
		for index, unit := range invocation.Units {
			stem := strings.TrimSuffix(filepath.Base(unit.Source), filepath.Ext(unit.Source))
			outputs[index] = filepath.Join(dir, fmt.Sprintf("%d-%s.o", index, stem))
		}
		command.Link = slices.Concat([]string{path}, outputs, invocation.LinkArgs)
	}

	sysIncludeDirs := slices.Concat(invocation.SysIncludeDirs, described.builtin)
	for index, unit := range invocation.Units {
		command.AddTask(m.nextID(), task.Params{
			Source:         unit.Source,
			Output:         outputs[index],
			Macros:         invocation.Macros,
			IncludeDirs:    invocation.IncludeDirs,
			SysIncludeDirs: sysIncludeDirs,
			ForcedIncludes: invocation.ForcedIncludes,
			PCH:            invocation.PCH,
		})
	}

	started := m.clock.Now()
	c.logger.Info("distributing command", "command", command.ID, "tasks", len(invocation.Units), "link", invocation.Link)
	for _, t := range command.Tasks() {
		t.Times.Mark("created", started)
		m.scans.Submit(func() { m.prepare(c.ctx, t, invocation, described) })
	}

	select {
	case <-command.Done():
	case request, ok := <-c.incoming:
		if !ok {
			m.abandon(command, "client disconnected")
			return c.disconnected()
		}
		m.abandon(command, "client protocol error")
		return fmt.Errorf("client sent %T while its command ran", request)
	case <-c.ctx.Done():
		m.abandon(command, "manager shutting down")
		return c.ctx.Err()
	}

	outcome := command.Outcome()
	if command.Link != nil && outcome.ReturnCode == 0 {
		linked, err := c.execute(command.Link)
		if err != nil {
			return err
		}
		outcome.ReturnCode = linked.ReturnCode
		outcome.Stdout = append(outcome.Stdout, linked.Stdout...)
		outcome.Stderr = append(outcome.Stderr, linked.Stderr...)
	}

	m.metrics.command("distributed")
	c.logger.Info("command finished",
		"command", command.ID,
		"return_code", outcome.ReturnCode,
		"elapsed", m.clock.Now().Sub(started),
	)
	return c.send(protocol.Exit{Code: outcome.ReturnCode, Stdout: outcome.Stdout, Stderr: outcome.Stderr})
}

// prepare scans t's headers and schedules it. A task whose includes
// cannot all be found fails without reaching a node.
func (m *Manager) prepare(ctx context.Context, t *task.Task, invocation *options.Invocation, described *compiler) {
	if t.IsComplete() {
		return
	}
	result, err := m.scanner.Scan(ctx, t.Preprocess())
	if err != nil {
		t.Complete(task.Outcome{
			ReturnCode: -1,
			Stderr:     fmt.Appendf(nil, "ccfarm: scanning %s: %v\n", t.Source, err),
		})
		return
	}
	if len(result.Missing) > 0 {
		var message bytes.Buffer
		fmt.Fprintf(&message, "ccfarm: %s: %d included files not found:\n", t.Source, len(result.Missing))
		for _, missing := range result.Missing {
			fmt.Fprintf(&message, "  %s\n", missing)
		}
		t.Complete(task.Outcome{ReturnCode: -1, Stderr: message.Bytes()})
		return
	}
	t.Times.Mark("scanned", m.clock.Now())

	t.ServerTask = &protocol.ServerTask{
		MachineID:          m.config.MachineID,
		CompilerID:         described.toolchain.ID.String(),
		CompilerExecutable: described.toolchain.Executable,
		ToolchainPath:      described.path,
		Dialect:            protocol.GCCDialect,
		Args:               invocation.Args,
		Macros:             t.Macros,
		IncludeDirs:        t.IncludeDirs,
		SysIncludeDirs:     t.SysIncludeDirs,
		ForcedIncludes:     t.ForcedIncludes,
		Source:             t.Source,
		PCH:                t.PCH,
		Headers:            result.Headers,
	}
	if !m.submit(t) {
		t.Complete(task.Outcome{ReturnCode: -1, Stderr: []byte("ccfarm: manager stopped\n")})
	}
}
