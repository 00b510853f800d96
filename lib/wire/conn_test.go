// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"
)

func TestConnExchangesMessages(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	client := NewConn(clientSide, 0)
	server := NewConn(serverSide, 0)
	defer client.Close()
	defer server.Close()

	const senders = 8
	var wg sync.WaitGroup
	for index := range senders {
		wg.Go(func() {
			if err := client.Send([]byte("TASK"), []byte{byte(index)}); err != nil {
				t.Errorf("send %d: %v", index, err)
			}
		})
	}

	seen := make(map[byte]bool)
	for range senders {
		message, err := server.Receive()
		if err != nil {
			t.Fatal(err)
		}
		if len(message) != 2 || string(message[0]) != "TASK" {
			t.Fatalf("unexpected message %q", message)
		}
		seen[message[1][0]] = true
	}
	wg.Wait()
	if len(seen) != senders {
		t.Errorf("received %d distinct messages, want %d", len(seen), senders)
	}
}

func TestConnReceiveEOF(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	server := NewConn(serverSide, 0)

	go func() {
		NewConn(clientSide, 0).Send([]byte("last"))
		clientSide.Close()
	}()

	message, err := server.Receive()
	if err != nil {
		t.Fatal(err)
	}
	if string(message[0]) != "last" {
		t.Errorf("message = %q", message)
	}
	if _, err := server.Receive(); !errors.Is(err, io.EOF) {
		t.Errorf("err = %v, want io.EOF", err)
	}
}

func TestConnReceiveTruncatedMessage(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	server := NewConn(serverSide, 0)

	go func() {
		encoded := Encode([][]byte{[]byte("truncated")})
		clientSide.Write(encoded[:len(encoded)-3])
		clientSide.Close()
	}()

	if _, err := server.Receive(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("err = %v, want io.ErrUnexpectedEOF", err)
	}
}
