// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/ccfarm/lib/testutil"
)

// echoLine answers each connection by echoing one line upper-cased.
func echoLine(_ context.Context, conn net.Conn) {
	defer conn.Close()
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}
	conn.Write([]byte(strings.ToUpper(line)))
}

func exchange(t *testing.T, dialer Dialer, address string) string {
	t.Helper()
	conn, err := dialer.DialContext(context.Background(), address)
	if err != nil {
		t.Fatalf("dial %s: %v", address, err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("hello\n")); err != nil {
		t.Fatal(err)
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	return reply
}

func runListener(t *testing.T, listener Listener, handler Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- listener.Serve(ctx, handler) }()
	t.Cleanup(func() {
		cancel()
		if err := testutil.RequireReceive(t, done, 5*time.Second, "listener shutdown"); err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
}

func TestTCPRoundTrip(t *testing.T) {
	listener, err := NewTCPListener("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(listener.Address(), ":") {
		t.Errorf("Address() = %q, expected host:port", listener.Address())
	}
	runListener(t, listener, echoLine)

	if reply := exchange(t, &TCPDialer{Timeout: 5 * time.Second}, listener.Address()); reply != "HELLO\n" {
		t.Errorf("reply = %q", reply)
	}
}

func TestUnixRoundTrip(t *testing.T) {
	path := filepath.Join(testutil.SocketDir(t), "nested", "manager.sock")
	listener, err := NewUnixListener(path)
	if err != nil {
		t.Fatal(err)
	}
	runListener(t, listener, echoLine)

	for range 3 {
		if reply := exchange(t, UnixDialer{}, listener.Address()); reply != "HELLO\n" {
			t.Errorf("reply = %q", reply)
		}
	}
}

func TestServeWaitsForHandlers(t *testing.T) {
	listener, err := NewTCPListener("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	release := make(chan struct{})
	entered := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- listener.Serve(ctx, func(ctx context.Context, conn net.Conn) {
			defer conn.Close()
			close(entered)
			<-release
		})
	}()

	conn, err := (&TCPDialer{}).DialContext(context.Background(), listener.Address())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	testutil.RequireClosed(t, entered, 5*time.Second, "handler started")

	cancel()
	select {
	case <-done:
		t.Fatal("Serve returned while a handler was running")
	default:
	}
	close(release)
	if err := testutil.RequireReceive(t, done, 5*time.Second, "Serve return"); err != nil {
		t.Errorf("Serve: %v", err)
	}
}

func TestUnixListenerReplacesStaleSocket(t *testing.T) {
	path := filepath.Join(testutil.SocketDir(t), "manager.sock")
	first, err := NewUnixListener(path)
	if err != nil {
		t.Fatal(err)
	}
	// Simulate a crashed manager: the socket file outlives its listener.
	first.listener.(*net.UnixListener).SetUnlinkOnClose(false)
	first.Close()

	second, err := NewUnixListener(path)
	if err != nil {
		t.Fatalf("stale socket not replaced: %v", err)
	}
	second.Close()
}

func TestKeepAliveConfig(t *testing.T) {
	if config := keepAliveConfig(0); !config.Enable || config.Idle != DefaultKeepAlive || config.Count != keepAliveCount {
		t.Errorf("default = %+v", config)
	}
	if config := keepAliveConfig(time.Second); config.Idle != time.Second || config.Interval != time.Second {
		t.Errorf("1s = %+v", config)
	}
	if config := keepAliveConfig(-1); config.Enable {
		t.Errorf("negative period left probing on: %+v", config)
	}
}
