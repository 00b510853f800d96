// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

var (
	_ Listener = (*TCPListener)(nil)
	_ Dialer   = (*TCPDialer)(nil)
)

// DefaultKeepAlive is the idle time and keep-alive interval of farm
// connections. A peer that disappears without closing its socket is
// declared dead after three unanswered keep-alives.
const DefaultKeepAlive = 15 * time.Second

const keepAliveCount = 3

// keepAliveConfig turns a period into socket options: zero means
// DefaultKeepAlive, negative disables probing.
func keepAliveConfig(period time.Duration) net.KeepAliveConfig {
	if period < 0 {
		return net.KeepAliveConfig{Enable: false}
	}
	if period == 0 {
		period = DefaultKeepAlive
	}
	return net.KeepAliveConfig{Enable: true, Idle: period, Interval: period, Count: keepAliveCount}
}

// TCPListener accepts manager connections on a compile server.
// Accepted connections check their peer every DefaultKeepAlive.
type TCPListener struct {
	listener net.Listener
}

// NewTCPListener listens on address ("host:port"; port 0 picks a free
// one).
func NewTCPListener(address string) (*TCPListener, error) {
	config := net.ListenConfig{KeepAliveConfig: keepAliveConfig(0)}
	listener, err := config.Listen(context.Background(), "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listening for managers on %s: %w", address, err)
	}
	return &TCPListener{listener: listener}, nil
}

// Serve implements Listener.
func (l *TCPListener) Serve(ctx context.Context, handler Handler) error {
	return serve(ctx, l.listener, handler)
}

// Address returns the bound "host:port".
func (l *TCPListener) Address() string { return l.listener.Addr().String() }

// Close stops accepting connections.
func (l *TCPListener) Close() error { return l.listener.Close() }

// TCPDialer opens connections from the manager to compile servers.
type TCPDialer struct {
	// Timeout bounds connection setup. Zero leaves it to the context.
	Timeout time.Duration

	// KeepAlive is the keep-alive period. Zero means DefaultKeepAlive;
	// negative disables probing.
	KeepAlive time.Duration
}

// DialContext connects to a compile server at address ("host:port").
func (d *TCPDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: d.Timeout, KeepAliveConfig: keepAliveConfig(d.KeepAlive)}
	return dialer.DialContext(ctx, "tcp", address)
}
