// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport carries ccfarm's framed byte streams between
// processes.
//
// The package defines two interfaces: [Listener] accepts inbound
// connections and hands each to a [Handler] on its own goroutine
// (Serve, Address, Close), and [Dialer] opens outbound connections
// (DialContext). Compile servers listen on TCP ([TCPListener]) and
// managers reach them with [TCPDialer]; both ends test idle TCP
// connections with keep-alives. The manager listens for ccfarm-cc
// clients and for the ccfarm CLI on Unix sockets ([UnixListener],
// [UnixDialer]).
//
// Connections are plain net.Conn values. Message framing lives in the
// wire package.
package transport
