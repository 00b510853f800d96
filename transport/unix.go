// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
)

var (
	_ Listener = (*UnixListener)(nil)
	_ Dialer   = UnixDialer{}
)

// UnixListener accepts ccfarm-cc connections on the manager.
type UnixListener struct {
	path     string
	listener net.Listener
}

// NewUnixListener listens on a Unix socket at path, replacing a stale
// socket file. The parent directory is created if needed.
func NewUnixListener(path string) (*UnixListener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating socket directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket %s: %w", path, err)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	return &UnixListener{path: path, listener: listener}, nil
}

// Serve implements Listener. The socket file is removed on return.
func (l *UnixListener) Serve(ctx context.Context, handler Handler) error {
	defer os.Remove(l.path)
	return serve(ctx, l.listener, handler)
}

// Address returns the socket path.
func (l *UnixListener) Address() string { return l.path }

// Close stops accepting connections.
func (l *UnixListener) Close() error { return l.listener.Close() }

// UnixDialer connects ccfarm-cc to the manager.
type UnixDialer struct{}

// DialContext connects to the socket at path.
func (UnixDialer) DialContext(ctx context.Context, path string) (net.Conn, error) {
	var dialer net.Dialer
	return dialer.DialContext(ctx, "unix", path)
}
