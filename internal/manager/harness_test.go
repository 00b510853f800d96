// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"context"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/ccfarm/internal/server"
	"github.com/bureau-foundation/ccfarm/lib/clock"
	"github.com/bureau-foundation/ccfarm/lib/nodes"
	"github.com/bureau-foundation/ccfarm/lib/protocol"
	"github.com/bureau-foundation/ccfarm/lib/task"
	"github.com/bureau-foundation/ccfarm/lib/testutil"
	"github.com/bureau-foundation/ccfarm/lib/wire"
	"github.com/bureau-foundation/ccfarm/transport"
)

const (
	machineID = "dev-host"
	timeout   = 30 * time.Second
)

type sessionResult struct {
	id     protocol.SessionID
	result task.Result
	detail string
}

// farm is a running Manager with a hook on session results.
type farm struct {
	t       *testing.T
	manager *Manager
	ctx     context.Context
	results chan sessionResult
	clients sync.WaitGroup
}

func newFarm(t *testing.T, config Config, infos ...nodes.Info) *farm {
	t.Helper()
	if config.MachineID == "" {
		config.MachineID = machineID
	}
	if config.TempDir == "" {
		config.TempDir = t.TempDir()
	}
	if config.Workers == 0 {
		config.Workers = 2
	}
	if config.ScanWorkers == 0 {
		config.ScanWorkers = 2
	}
	manager, err := New(config, clock.Real(), slog.New(slog.DiscardHandler), NewMetrics(nil))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	f := &farm{
		t:       t,
		manager: manager,
		ctx:     ctx,
		results: make(chan sessionResult, 64),
	}
	manager.schedule.ended = func(id protocol.SessionID, result task.Result, detail string) {
		f.results <- sessionResult{id: id, result: result, detail: detail}
	}

	stopped := make(chan error, 1)
	go func() { stopped <- manager.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := testutil.RequireReceive(t, stopped, timeout, "manager did not stop"); err != nil {
			t.Errorf("Run: %v", err)
		}
		f.clients.Wait()
	})
	if len(infos) > 0 {
		manager.Refresh(infos)
	}
	return f
}

// nextResult returns the next session result the scheduler accepted.
func (f *farm) nextResult() sessionResult {
	f.t.Helper()
	return testutil.RequireReceive(f.t, f.results, timeout, "waiting for a session result")
}

// dispatch starts sessions for t on the named nodes directly, outside
// the node manager's placement.
func (f *farm) dispatch(t *task.Task, nodeIDs ...string) {
	f.t.Helper()
	err := f.manager.call(f.ctx, func() {
		for _, id := range nodeIDs {
			node := f.manager.schedule.nodes.Node(id)
			if node == nil {
				f.t.Errorf("node %s unknown", id)
				continue
			}
			f.manager.schedule.Dispatch(t, node)
		}
	})
	if err != nil {
		f.t.Fatal(err)
	}
}

// cancel requests cancellation of a session and waits until the
// session has been told.
func (f *farm) cancel(id protocol.SessionID) {
	f.t.Helper()
	if err := f.manager.call(f.ctx, func() { f.manager.schedule.cancel(id) }); err != nil {
		f.t.Fatal(err)
	}
}

func (f *farm) status() Status {
	f.t.Helper()
	status, err := f.manager.Status(f.ctx)
	if err != nil {
		f.t.Fatal(err)
	}
	return status
}

// clientScript answers the manager's round trips the way ccfarm-cc
// would, without running anything.
type clientScript struct {
	// located maps names to LOCATE_FILES answers. Missing names are
	// not found.
	located map[string]string
	// execute answers EXECUTE_GET_OUTPUT. Nil succeeds silently.
	execute func(argv []string) protocol.Output

	executed [][]string
}

// converse sends COMPILE and answers round trips until the manager's
// final command.
func (script *clientScript) converse(conn *wire.Conn, cwd string, argv []string) (protocol.ClientCommand, error) {
	if err := conn.Send(protocol.EncodeClientRequest(protocol.Compile{Cwd: cwd, Argv: argv})...); err != nil {
		return nil, err
	}
	for {
		parts, err := conn.Receive()
		if err != nil {
			return nil, err
		}
		command, err := protocol.DecodeClientCommand(parts)
		if err != nil {
			return nil, err
		}
		var reply protocol.ClientRequest
		switch command := command.(type) {
		case protocol.ExecuteGetOutput:
			script.executed = append(script.executed, command.Argv)
			output := protocol.Output{}
			if script.execute != nil {
				output = script.execute(command.Argv)
			}
			reply = output
		case protocol.LocateFiles:
			paths := make([]string, len(command.Names))
			for index, name := range command.Names {
				paths[index] = script.located[name]
			}
			reply = protocol.Located{Paths: paths}
		default:
			return command, nil
		}
		if err := conn.Send(protocol.EncodeClientRequest(reply)...); err != nil {
			return nil, err
		}
	}
}

// connect opens a client connection served by HandleClient.
func (f *farm) connect() (*wire.Conn, net.Conn) {
	managerSide, clientSide := net.Pipe()
	if err := clientSide.SetDeadline(time.Now().Add(timeout)); err != nil {
		f.t.Fatal(err)
	}
	f.clients.Go(func() { f.manager.HandleClient(f.ctx, managerSide) })
	return wire.NewConn(clientSide, 0), clientSide
}

// run carries one client conversation to its final command. Failures
// are reported on t, which may be a subtest of the farm's test.
func (f *farm) run(t testing.TB, cwd string, argv []string, script *clientScript) protocol.ClientCommand {
	t.Helper()
	conn, _ := f.connect()
	defer conn.Close()
	final, err := script.converse(conn, cwd, argv)
	if err != nil {
		t.Fatalf("client conversation: %v", err)
	}
	return final
}

func nodeInfo(t *testing.T, hostname, address string, slots int) nodes.Info {
	t.Helper()
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		t.Fatal(err)
	}
	number, err := strconv.Atoi(port)
	if err != nil {
		t.Fatal(err)
	}
	return nodes.Info{Address: host, Port: number, Hostname: hostname, Slots: slots}
}

// startServer runs a real compile server on a loopback port.
func startServer(t *testing.T, hostname string, slots int, runner server.Runner) nodes.Info {
	t.Helper()
	root := t.TempDir()
	repositories, err := server.OpenRepositories(filepath.Join(root, "repository"))
	if err != nil {
		t.Fatal(err)
	}
	compileServer, err := server.New(server.Config{
		Slots:       slots,
		Workers:     2,
		ScratchRoot: filepath.Join(root, "scratch"),
		Runner:      runner,
	}, repositories, clock.Real(), slog.New(slog.DiscardHandler), nil)
	if err != nil {
		t.Fatal(err)
	}
	listener, err := transport.NewTCPListener("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- compileServer.Serve(ctx, listener) }()
	t.Cleanup(func() {
		cancel()
		if err := testutil.RequireReceive(t, done, timeout, "compile server did not stop"); err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	return nodeInfo(t, hostname, listener.Address(), slots)
}

// scriptedServer is a compile server whose replies the test writes.
type scriptedServer struct {
	t     *testing.T
	info  nodes.Info
	conns chan *wire.Conn
}

func startScriptedServer(t *testing.T, hostname string, slots int) *scriptedServer {
	t.Helper()
	listener, err := transport.NewTCPListener("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &scriptedServer{t: t, conns: make(chan *wire.Conn, 8)}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- listener.Serve(ctx, func(ctx context.Context, stream net.Conn) {
			conn := wire.NewConn(stream, 0)
			s.conns <- conn
			<-ctx.Done()
			conn.Close()
		})
	}()
	t.Cleanup(func() {
		cancel()
		if err := testutil.RequireReceive(t, done, timeout, "scripted server did not stop"); err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	s.info = nodeInfo(t, hostname, listener.Address(), slots)
	return s
}

// scriptedConn is one manager connection to a scriptedServer.
type scriptedConn struct {
	t       *testing.T
	conn    *wire.Conn
	inbound chan protocol.ServerBound
}

func (s *scriptedServer) accept() *scriptedConn {
	s.t.Helper()
	conn := testutil.RequireReceive(s.t, s.conns, timeout, "manager never connected")
	c := &scriptedConn{t: s.t, conn: conn, inbound: make(chan protocol.ServerBound, 64)}
	go func() {
		defer close(c.inbound)
		for {
			parts, err := conn.Receive()
			if err != nil {
				return
			}
			message, err := protocol.DecodeServerBound(parts)
			if err != nil {
				return
			}
			c.inbound <- message
		}
	}()
	return c
}

func (c *scriptedConn) reply(message protocol.ManagerBound) {
	c.t.Helper()
	if err := c.conn.Send(protocol.EncodeManagerBound(message)...); err != nil {
		c.t.Fatalf("sending %T: %v", message, err)
	}
}

// expect returns the next message from the manager, which must be a T.
func expect[T protocol.ServerBound](c *scriptedConn) T {
	c.t.Helper()
	message := testutil.RequireReceive(c.t, c.inbound, timeout, "waiting for a manager message")
	typed, ok := message.(T)
	if !ok {
		var want T
		c.t.Fatalf("manager sent %T (%+v), want %T", message, message, want)
	}
	return typed
}

// expectClosed drains the connection until the manager closes it.
func (c *scriptedConn) expectClosed() {
	c.t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case _, ok := <-c.inbound:
			if !ok {
				return
			}
		case <-deadline:
			c.t.Fatal("manager kept the connection open")
		}
	}
}
