// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"fmt"

	"github.com/bureau-foundation/ccfarm/lib/protocol"
	"github.com/bureau-foundation/ccfarm/lib/wire"
)

// maxQueryOutput bounds each stream of a query command's output.
const maxQueryOutput = 1 << 20

// host runs the manager's requests on the client machine.
type host interface {
	// Execute runs argv and captures its output.
	Execute(argv []string) protocol.Output
	// Locate returns the path of the program name on PATH, or "".
	Locate(name string) string
}

// converse sends COMPILE and serves the manager's EXECUTE_GET_OUTPUT
// and LOCATE_FILES requests until it sends a final command.
func converse(conn *wire.Conn, cwd string, argv []string, h host) (protocol.ClientCommand, error) {
	if err := conn.Send(protocol.EncodeClientRequest(protocol.Compile{Cwd: cwd, Argv: argv})...); err != nil {
		return nil, fmt.Errorf("sending command: %w", err)
	}
	for {
		parts, err := conn.Receive()
		if err != nil {
			return nil, fmt.Errorf("reading from manager: %w", err)
		}
		command, err := protocol.DecodeClientCommand(parts)
		if err != nil {
			return nil, err
		}

		var reply protocol.ClientRequest
		switch command := command.(type) {
		case protocol.ExecuteGetOutput:
			reply = h.Execute(command.Argv)
		case protocol.LocateFiles:
			paths := make([]string, len(command.Names))
			for index, name := range command.Names {
				paths[index] = h.Locate(name)
			}
			reply = protocol.Located{Paths: paths}
		default:
			return command, nil
		}
		if err := conn.Send(protocol.EncodeClientRequest(reply)...); err != nil {
			return nil, fmt.Errorf("answering %T: %w", command, err)
		}
	}
}

// limitedBuffer keeps the first maxQueryOutput bytes written to it.
type limitedBuffer struct {
	bytes.Buffer
}

func (b *limitedBuffer) Write(data []byte) (int, error) {
	if room := maxQueryOutput - b.Len(); room > 0 {
		b.Buffer.Write(data[:min(len(data), room)])
	}
	return len(data), nil
}
