// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"net"
	"sync"
)

// Handler serves one accepted connection. It owns conn and must close
// it. ctx is cancelled when the listener shuts down.
type Handler func(ctx context.Context, conn net.Conn)

// Listener accepts inbound connections.
type Listener interface {
	// Serve accepts connections and runs handler for each on its own
	// goroutine. Blocks until ctx is cancelled or Close is called,
	// then waits for running handlers. Returns nil on clean shutdown.
	Serve(ctx context.Context, handler Handler) error

	// Address returns the address peers dial.
	Address() string

	// Close stops accepting. Running handlers are not interrupted.
	Close() error
}

// Dialer opens outbound connections.
type Dialer interface {
	// DialContext connects to address, in the format a matching
	// Listener's Address returns.
	DialContext(ctx context.Context, address string) (net.Conn, error)
}

// serve is the accept loop shared by the listeners.
func serve(ctx context.Context, listener net.Listener, handler Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()

	var handlers sync.WaitGroup
	defer handlers.Wait()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		handlers.Go(func() { handler(ctx, conn) })
	}
}
