// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/ccfarm/lib/protocol"
	"github.com/bureau-foundation/ccfarm/lib/wire"
)

// nodeConn is the manager's connection to one compile server. It is
// dialled lazily by its run goroutine; sessions may queue sends before
// the dial completes. The read loop routes each reply by the manager's
// session id to that session's mailbox.
type nodeConn struct {
	manager *Manager
	nodeID  string
	address string
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc

	// ready is closed once the dial finished; wire is valid afterwards
	// unless dialErr is set.
	ready   chan struct{}
	wire    *wire.Conn
	dialErr error

	mu       sync.Mutex
	sessions map[protocol.SessionID]*session
	err      error
}

func newNodeConn(ctx context.Context, m *Manager, nodeID, address string) *nodeConn {
	c := &nodeConn{
		manager:  m,
		nodeID:   nodeID,
		address:  address,
		logger:   m.logger.With("node", nodeID),
		ready:    make(chan struct{}),
		sessions: make(map[protocol.SessionID]*session),
	}
	c.ctx, c.cancel = context.WithCancelCause(ctx)
	return c
}

func (c *nodeConn) run() {
	stream, err := c.manager.config.Dialer.DialContext(c.ctx, c.address)
	if err != nil {
		if cause := context.Cause(c.ctx); cause != nil {
			err = cause
		}
		c.dialErr = fmt.Errorf("connecting to %s: %w", c.address, err)
		close(c.ready)
		c.logger.Warn("compile server unreachable", "address", c.address, "error", err)
		c.fail(c.dialErr)
		return
	}
	c.wire = wire.NewConn(stream, c.manager.config.MaxMessageSize)
	close(c.ready)
	stop := context.AfterFunc(c.ctx, func() { c.wire.Close() })
	defer stop()
	defer c.wire.Close()
	c.logger.Debug("connected to compile server", "address", c.address)

	for {
		parts, err := c.wire.Receive()
		if err != nil {
			switch {
			case context.Cause(c.ctx) != nil:
				err = context.Cause(c.ctx)
			case errors.Is(err, io.EOF):
				err = fmt.Errorf("compile server %s closed the connection", c.address)
			default:
				err = fmt.Errorf("reading from %s: %w", c.address, err)
				c.logger.Warn("compile server connection failed", "error", err)
			}
			c.fail(err)
			return
		}
		message, err := protocol.DecodeManagerBound(parts)
		if err != nil {
			c.logger.Warn("closing compile server connection", "error", err)
			c.fail(fmt.Errorf("from %s: %w", c.address, err))
			return
		}
		if session := c.lookup(message.Session()); session != nil {
			session.inbox.Put(message)
		} else {
			c.logger.Debug("reply for finished session", "session", message.Session(), "type", fmt.Sprintf("%T", message))
		}
	}
}

// alive reports whether the connection can still carry sessions.
func (c *nodeConn) alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err == nil
}

// attach routes replies for s to its mailbox. It fails once the
// connection has failed.
func (c *nodeConn) attach(s *session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sessions[s.id] = s
	return nil
}

func (c *nodeConn) detach(id protocol.SessionID) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
}

func (c *nodeConn) lookup(id protocol.SessionID) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[id]
}

// fail marks the connection dead and ends every attached session with
// err.
func (c *nodeConn) fail(err error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = err
	sessions := c.sessions
	c.sessions = make(map[protocol.SessionID]*session)
	c.mu.Unlock()

	c.cancel(err)
	for _, session := range sessions {
		session.end(err)
	}
}

// close tears the connection down with cause.
func (c *nodeConn) close(cause error) {
	c.cancel(cause)
}

// send writes message once the dial has completed.
func (c *nodeConn) send(ctx context.Context, message protocol.ServerBound) error {
	select {
	case <-c.ready:
	case <-ctx.Done():
		return context.Cause(ctx)
	}
	if c.dialErr != nil {
		return c.dialErr
	}
	if err := c.wire.Send(protocol.EncodeServerBound(message)...); err != nil {
		return fmt.Errorf("sending %T to %s: %w", message, c.address, err)
	}
	return nil
}
