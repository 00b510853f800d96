// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bureau-foundation/ccfarm/lib/clock"
	"github.com/bureau-foundation/ccfarm/lib/compress"
	"github.com/bureau-foundation/ccfarm/lib/nodes"
	"github.com/bureau-foundation/ccfarm/lib/options"
	"github.com/bureau-foundation/ccfarm/lib/protocol"
	"github.com/bureau-foundation/ccfarm/lib/scanner"
	"github.com/bureau-foundation/ccfarm/lib/task"
	"github.com/bureau-foundation/ccfarm/lib/toolchain"
	"github.com/bureau-foundation/ccfarm/lib/wire"
	"github.com/bureau-foundation/ccfarm/lib/workpool"
	"github.com/bureau-foundation/ccfarm/transport"
)

// DefaultDialTimeout bounds connection setup to a compile server.
const DefaultDialTimeout = 10 * time.Second

// DefaultCompilerEntries bounds the cache of described compilers.
const DefaultCompilerEntries = 64

var (
	errStopped     = errors.New("manager stopped")
	errTerminated  = errors.New("node removed")
	errNodeRemoved = errors.New("node left the pool")
)

// Config tunes a Manager. Zero fields take defaults.
type Config struct {
	// MachineID names this machine to compile servers, which cache
	// shared headers per machine. Required.
	MachineID string

	// Nodes tunes scheduling.
	Nodes nodes.Config

	// Workers bounds concurrent disk and compression work. Default:
	// the CPU count.
	Workers int

	// ScanWorkers bounds concurrent header scans. Default: the CPU
	// count.
	ScanWorkers int

	// MaxMessageSize bounds inbound frames. Default:
	// wire.DefaultMaxMessageSize.
	MaxMessageSize int

	// Dialer connects to compile servers. Default: TCP with
	// DefaultDialTimeout.
	Dialer transport.Dialer

	// Parser parses client command lines.
	Parser options.Parser

	// TempDir holds the objects of commands that also link. Default:
	// os.TempDir().
	TempDir string

	// CompilerEntries bounds the described-compiler cache. Default:
	// DefaultCompilerEntries.
	CompilerEntries int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.ScanWorkers <= 0 {
		c.ScanWorkers = runtime.NumCPU()
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = wire.DefaultMaxMessageSize
	}
	if c.Dialer == nil {
		c.Dialer = &transport.TCPDialer{Timeout: DefaultDialTimeout}
	}
	if c.TempDir == "" {
		c.TempDir = os.TempDir()
	}
	if c.CompilerEntries <= 0 {
		c.CompilerEntries = DefaultCompilerEntries
	}
	return c
}

// Manager distributes client commands over the compile servers of the
// node pool. See the package documentation.
type Manager struct {
	config  Config
	clock   clock.Clock
	logger  *slog.Logger
	metrics *Metrics

	pool      *workpool.Pool
	scans     *workpool.Pool
	scanner   *scanner.Scanner
	files     *compress.FileCache
	compilers *lru.Cache[compilerKey, *compiler]

	toolchainsMu sync.Mutex
	toolchains   map[string]toolchain.Toolchain

	posts    chan func()
	stopped  chan struct{}
	started  atomic.Bool
	schedule *scheduler

	lastSession atomic.Uint64
	lastID      atomic.Uint64

	// goroutines tracks sessions and node connections.
	goroutines sync.WaitGroup
}

// New returns a Manager with no nodes. It does nothing until Run is
// called. metrics may be nil.
func New(config Config, clk clock.Clock, logger *slog.Logger, metrics *Metrics) (*Manager, error) {
	if config.MachineID == "" {
		return nil, errors.New("manager: machine id is required")
	}
	if filepath.Base(config.MachineID) != config.MachineID || !filepath.IsLocal(config.MachineID) {
		return nil, fmt.Errorf("manager: machine id %q must be a single path element", config.MachineID)
	}
	config = config.withDefaults()
	compilers, err := lru.New[compilerKey, *compiler](config.CompilerEntries)
	if err != nil {
		return nil, fmt.Errorf("manager: creating compiler cache: %w", err)
	}
	pool := workpool.New(config.Workers)
	m := &Manager{
		config:     config,
		clock:      clk,
		logger:     logger,
		metrics:    metrics,
		pool:       pool,
		scans:      workpool.New(config.ScanWorkers),
		scanner:    scanner.New(scanner.DefaultCacheEntries),
		files:      compress.NewFileCache(pool, compress.DefaultCacheEntries),
		compilers:  compilers,
		toolchains: make(map[string]toolchain.Toolchain),
		posts:      make(chan func(), 256),
		stopped:    make(chan struct{}),
	}
	m.schedule = &scheduler{
		manager:     m,
		conns:       make(map[string]*nodeConn),
		sessions:    make(map[protocol.SessionID]*session),
		assignments: make(map[assignment]*session),
	}
	m.schedule.nodes = nodes.NewManager(config.Nodes, m.schedule, clk, logger, metrics.nodes())
	return m, nil
}

// Run executes posted work until ctx is cancelled, then closes every
// node connection and waits for sessions to wind down.
func (m *Manager) Run(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return errors.New("manager: Run called twice")
	}
	m.schedule.ctx = ctx
	defer m.shutdown()

	m.logger.Info("manager running",
		"machine", m.config.MachineID,
		"workers", m.config.Workers,
		"scan_workers", m.config.ScanWorkers,
	)
	for {
		select {
		case fn := <-m.posts:
			fn()
		case <-ctx.Done():
			return nil
		}
	}
}

func (m *Manager) shutdown() {
	close(m.stopped)
	s := m.schedule
	for id, conn := range s.conns {
		conn.close(errStopped)
		delete(s.conns, id)
	}
	for _, session := range s.sessions {
		session.end(errStopped)
	}
	m.goroutines.Wait()
	m.scans.Wait()
	m.pool.Wait()
	m.logger.Info("manager stopped")
}

// post hands fn to the scheduler goroutine. It reports false once the
// manager has stopped, in which case fn never runs.
func (m *Manager) post(fn func()) bool {
	select {
	case <-m.stopped:
		return false
	default:
	}
	select {
	case m.posts <- fn:
		return true
	case <-m.stopped:
		return false
	}
}

// call runs fn on the scheduler goroutine and waits for it.
func (m *Manager) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !m.post(func() { fn(); close(done) }) {
		return errStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopped:
		return errStopped
	}
}

func (m *Manager) nextID() uint64 { return m.lastID.Add(1) }

// Refresh replaces the node list with a discovery result.
func (m *Manager) Refresh(infos []nodes.Info) {
	m.post(func() {
		m.schedule.nodes.Refresh(infos)
		m.schedule.closeDeparted()
	})
}

// Status is a point-in-time view of the manager.
type Status struct {
	Nodes    []nodes.NodeStatus `cbor:"nodes"`
	Queued   int                `cbor:"queued"`
	Sessions int                `cbor:"sessions"`
	// CachedPayloads counts compressed files and toolchain archives
	// held for upload.
	CachedPayloads int `cbor:"cached_payloads"`
}

// Status reports the nodes and the scheduler's queue.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	snapshot := make(chan Status, 1)
	err := m.call(ctx, func() {
		snapshot <- Status{
			Nodes:    m.schedule.nodes.Status(),
			Queued:   m.schedule.nodes.QueueLength(),
			Sessions: len(m.schedule.sessions),
		}
	})
	if err != nil {
		return Status{}, err
	}
	status := <-snapshot
	status.CachedPayloads = m.files.Len()
	return status, nil
}

// submit schedules t unless it completed while it was being scanned.
func (m *Manager) submit(t *task.Task) bool {
	return m.post(func() {
		if t.IsComplete() {
			return
		}
		m.schedule.nodes.Schedule(t)
	})
}

// abandon completes every unfinished task of command with reason and
// cancels their sessions.
func (m *Manager) abandon(command *task.Command, reason string) {
	tasks := command.Tasks()
	for _, t := range tasks {
		t.Complete(task.Outcome{ReturnCode: -1, Stderr: []byte("ccfarm: " + reason + "\n")})
	}
	m.post(func() {
		for _, t := range tasks {
			for _, id := range t.Running() {
				m.schedule.cancel(id)
			}
		}
	})
}

// assignment identifies a placement of a task on a node.
type assignment struct {
	task *task.Task
	node string
}

// scheduler is the state owned by the goroutine running Manager.Run.
// It is the node manager's Dispatcher.
type scheduler struct {
	manager *Manager
	ctx     context.Context
	nodes   *nodes.Manager

	conns       map[string]*nodeConn
	sessions    map[protocol.SessionID]*session
	assignments map[assignment]*session

	// ended, if set, sees every session result the scheduler accepts.
	ended func(id protocol.SessionID, result task.Result, detail string)
}

// Dispatch starts a session for t on n.
func (s *scheduler) Dispatch(t *task.Task, n *nodes.Node) {
	m := s.manager
	id := protocol.SessionID(m.lastSession.Add(1))
	t.SessionStarted(id)
	session := newSession(m, id, t, n, s.connection(n))
	s.sessions[id] = session
	s.assignments[assignment{task: t, node: n.ID}] = session
	m.metrics.sessionStarted()
	m.goroutines.Go(session.run)
}

// Terminate ends the session of t on a node that has left the pool.
func (s *scheduler) Terminate(t *task.Task, n *nodes.Node) {
	session := s.assignments[assignment{task: t, node: n.ID}]
	if session == nil {
		return
	}
	s.forget(session)
	session.end(errTerminated)
}

// sessionEnded reports a finished session to the node manager. Reports
// from sessions already forgotten are dropped.
func (s *scheduler) sessionEnded(session *session, result task.Result, detail string) {
	if s.sessions[session.id] != session {
		return
	}
	s.forget(session)
	if s.ended != nil {
		s.ended(session.id, result, detail)
	}
	s.nodes.SessionEnded(session.task, session.node, result, detail)
}

func (s *scheduler) forget(session *session) {
	delete(s.sessions, session.id)
	delete(s.assignments, assignment{task: session.task, node: session.node.ID})
	s.manager.metrics.sessionEnded()
}

// cancel asks a running session to stop. Unknown ids are ignored.
func (s *scheduler) cancel(id protocol.SessionID) {
	if session := s.sessions[id]; session != nil {
		session.requestCancel()
	}
}

// connection returns the live connection to n, dialling a new one if
// there is none or the last one failed.
func (s *scheduler) connection(n *nodes.Node) *nodeConn {
	if conn := s.conns[n.ID]; conn != nil && conn.alive() {
		return conn
	}
	conn := newNodeConn(s.ctx, s.manager, n.ID, n.DialAddress())
	s.conns[n.ID] = conn
	s.manager.goroutines.Go(conn.run)
	return conn
}

// closeDeparted closes the connections of nodes no longer in the pool.
func (s *scheduler) closeDeparted() {
	for id, conn := range s.conns {
		if s.nodes.Node(id) == nil {
			conn.close(errNodeRemoved)
			delete(s.conns, id)
		}
	}
}
