// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/ccfarm/lib/clock"
	"github.com/bureau-foundation/ccfarm/lib/protocol"
	"github.com/bureau-foundation/ccfarm/lib/repository"
	"github.com/bureau-foundation/ccfarm/lib/wire"
	"github.com/bureau-foundation/ccfarm/lib/workpool"
	"github.com/bureau-foundation/ccfarm/transport"
)

// DefaultSessionTimeout is how long a session may go without inbound
// traffic before it destroys itself.
const DefaultSessionTimeout = 60 * time.Second

// Config tunes a Server. Zero fields take defaults.
type Config struct {
	// Slots bounds concurrently running compilers. Default: the CPU
	// count.
	Slots int

	// Workers bounds concurrent disk and decompression work. Default:
	// the CPU count.
	Workers int

	// SessionTimeout defaults to DefaultSessionTimeout.
	SessionTimeout time.Duration

	// IdleDuringCompile keeps the idle timer running while a session
	// waits for a compiler slot or compiles, so a session without
	// inbound traffic for SessionTimeout is destroyed whatever it is
	// doing. By default the timer is suspended for that time.
	IdleDuringCompile bool

	// ScratchRoot holds one private directory per session. Required.
	ScratchRoot string

	// MaxMessageSize bounds inbound frames. Default:
	// wire.DefaultMaxMessageSize.
	MaxMessageSize int

	// Runner runs compilers. Default: RunProcess.
	Runner Runner
}

func (c Config) withDefaults() Config {
	if c.Slots <= 0 {
		c.Slots = runtime.NumCPU()
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = DefaultSessionTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = wire.DefaultMaxMessageSize
	}
	if c.Runner == nil {
		c.Runner = RunProcess
	}
	return c
}

// Repositories are the content caches shared by every session.
type Repositories struct {
	Headers   *repository.HeaderRepository
	PCH       *repository.PCHRepository
	Compilers *repository.CompilerRepository
}

// OpenRepositories creates the three caches below root.
func OpenRepositories(root string) (Repositories, error) {
	compilers, err := repository.NewCompilerRepository(filepath.Join(root, "compilers"))
	if err != nil {
		return Repositories{}, err
	}
	return Repositories{
		Headers:   repository.NewHeaderRepository(filepath.Join(root, "headers")),
		PCH:       repository.NewPCHRepository(filepath.Join(root, "pch")),
		Compilers: compilers,
	}, nil
}

// Server runs compile sessions for managers.
type Server struct {
	config       Config
	repositories Repositories
	pool         *workpool.Pool
	gate         *workpool.Gate
	clock        clock.Clock
	logger       *slog.Logger
	metrics      *Metrics

	lastID atomic.Uint64
	active atomic.Int64
}

// New returns a Server. metrics may be nil.
func New(config Config, repositories Repositories, clk clock.Clock, logger *slog.Logger, metrics *Metrics) (*Server, error) {
	if config.ScratchRoot == "" {
		return nil, errors.New("server: scratch root is required")
	}
	config = config.withDefaults()
	return &Server{
		config:       config,
		repositories: repositories,
		pool:         workpool.New(config.Workers),
		gate:         workpool.NewGate(config.Slots),
		clock:        clk,
		logger:       logger,
		metrics:      metrics,
	}, nil
}

// Serve accepts manager connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, listener transport.Listener) error {
	s.logger.Info("compile server listening",
		"address", listener.Address(),
		"slots", s.config.Slots,
		"workers", s.config.Workers,
	)
	err := listener.Serve(ctx, s.HandleConn)
	s.pool.Wait()
	return err
}

// ActiveSessions returns the number of open sessions.
func (s *Server) ActiveSessions() int { return int(s.active.Load()) }

// connection is one manager connection and the sessions it carries.
type connection struct {
	server *Server
	wire   *wire.Conn
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[protocol.SessionID]*session
}

// HandleConn serves one manager connection until it closes, ctx is
// cancelled, or the manager sends a malformed message. Sessions still
// open when it returns are ended without a reply.
func (s *Server) HandleConn(ctx context.Context, stream net.Conn) {
	ctx, cancel := context.WithCancelCause(ctx)
	c := &connection{
		server:   s,
		wire:     wire.NewConn(stream, s.config.MaxMessageSize),
		logger:   s.logger.With("manager", remoteAddress(stream)),
		sessions: make(map[protocol.SessionID]*session),
	}
	stop := context.AfterFunc(ctx, func() { c.wire.Close() })

	var sessions sync.WaitGroup
	defer func() {
		stop()
		cancel(errConnectionClosed)
		c.wire.Close()
		sessions.Wait()
	}()

	c.logger.Debug("manager connected")
	for {
		parts, err := c.wire.Receive()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				c.logger.Warn("manager connection failed", "error", err)
			} else {
				c.logger.Debug("manager disconnected")
			}
			return
		}
		message, err := protocol.DecodeServerBound(parts)
		if err != nil {
			c.logger.Warn("closing manager connection", "error", err)
			return
		}

		switch message := message.(type) {
		case protocol.NewSession:
			session := c.open(ctx, message)
			sessions.Go(session.run)
		case protocol.CancelSession:
			// Applied at once in every state, including those waiting
			// for a manager message.
			if session := c.lookup(message.RemoteID); session != nil {
				session.touch()
				session.cancel(errCancelled)
			}
		default:
			session := c.lookup(message.Session())
			if session == nil {
				c.logger.Debug("message for finished session", "session", message.Session(), "type", fmt.Sprintf("%T", message))
				continue
			}
			session.touch()
			session.inbox.Put(message)
		}
	}
}

func (c *connection) open(ctx context.Context, request protocol.NewSession) *session {
	id := protocol.SessionID(c.server.lastID.Add(1))
	session := newSession(ctx, c, id, request)
	c.mu.Lock()
	c.sessions[id] = session
	c.mu.Unlock()
	return session
}

func (c *connection) lookup(id protocol.SessionID) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[id]
}

func (c *connection) remove(id protocol.SessionID) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
}

func (c *connection) send(message protocol.ManagerBound) error {
	if err := c.wire.Send(protocol.EncodeManagerBound(message)...); err != nil {
		return fmt.Errorf("sending %T: %w", message, err)
	}
	return nil
}

func remoteAddress(stream net.Conn) string {
	if address := stream.RemoteAddr(); address != nil {
		return address.String()
	}
	return ""
}
