// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/bureau-foundation/ccfarm/lib/codec"
	"github.com/bureau-foundation/ccfarm/transport"
)

// ActionFunc answers one admin request. raw is the whole CBOR request
// map, "action" included, so handlers decode their own fields.
//
// A nil result answers {ok: true}; any other result is encoded into
// the response's "data". An error answers {ok: false, error: ...}.
type ActionFunc func(ctx context.Context, raw []byte) (any, error)

// Response is the envelope of every admin answer.
type Response struct {
	OK    bool             `cbor:"ok"`
	Error string           `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

const (
	adminReadTimeout  = 10 * time.Second
	adminWriteTimeout = 10 * time.Second

	// Requests are an action name plus a handful of fields.
	maxRequestSize = 64 * 1024
)

// AdminServer answers ccfarm CLI requests on a Unix socket, one CBOR
// request and one CBOR response per connection. Actions are registered
// with Handle before Serve; anything else gets an error response.
type AdminServer struct {
	path    string
	actions map[string]ActionFunc
	logger  *slog.Logger
	ready   chan struct{}
}

// NewAdminServer returns a server that will listen on path.
func NewAdminServer(path string, logger *slog.Logger) *AdminServer {
	return &AdminServer{
		path:    path,
		actions: make(map[string]ActionFunc),
		logger:  logger.With("socket", path),
		ready:   make(chan struct{}),
	}
}

// Handle registers fn for action. A second registration panics.
func (s *AdminServer) Handle(action string, fn ActionFunc) {
	if _, exists := s.actions[action]; exists {
		panic(fmt.Sprintf("service: admin action %q registered twice", action))
	}
	s.actions[action] = fn
}

// Ready is closed once the socket accepts connections.
func (s *AdminServer) Ready() <-chan struct{} { return s.ready }

// Serve answers requests until ctx is cancelled and the requests in
// flight have been answered.
func (s *AdminServer) Serve(ctx context.Context) error {
	listener, err := transport.NewUnixListener(s.path)
	if err != nil {
		return fmt.Errorf("admin socket: %w", err)
	}
	defer listener.Close()
	s.logger.Info("admin socket listening")
	close(s.ready)
	return listener.Serve(ctx, s.answer)
}

func (s *AdminServer) answer(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(adminReadTimeout))

	var raw codec.RawMessage
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&raw); err != nil {
		if !errors.Is(err, io.EOF) {
			s.reply(conn, Response{Error: fmt.Sprintf("invalid request: %v", err)})
		}
		return
	}
	var header struct {
		Action string `cbor:"action"`
	}
	if err := codec.Unmarshal(raw, &header); err != nil {
		s.reply(conn, Response{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}
	fn, exists := s.actions[header.Action]
	if !exists {
		s.reply(conn, Response{Error: fmt.Sprintf("unknown action %q", header.Action)})
		return
	}

	result, err := fn(ctx, raw)
	if err != nil {
		s.logger.Debug("admin action failed", "action", header.Action, "error", err)
		s.reply(conn, Response{Error: err.Error()})
		return
	}
	response := Response{OK: true}
	if result != nil {
		if response.Data, err = codec.Marshal(result); err != nil {
			s.reply(conn, Response{Error: fmt.Sprintf("encoding %s result: %v", header.Action, err)})
			return
		}
	}
	s.reply(conn, response)
}

func (s *AdminServer) reply(conn net.Conn, response Response) {
	conn.SetWriteDeadline(time.Now().Add(adminWriteTimeout))
	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		s.logger.Debug("writing admin response", "error", err)
	}
}
