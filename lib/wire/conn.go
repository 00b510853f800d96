// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

const readBufferSize = 64 * 1024

// Conn exchanges framed messages over a byte stream. Receive must be
// called from a single goroutine; Send may be called concurrently.
type Conn struct {
	stream  io.ReadWriteCloser
	decoder *Decoder

	readBuffer []byte
	queued     [][][]byte

	writeMu  sync.Mutex
	writeBuf []byte
}

// NewConn wraps stream. maxSize bounds incoming message bodies (see
// NewDecoder).
func NewConn(stream io.ReadWriteCloser, maxSize int) *Conn {
	return &Conn{
		stream:     stream,
		decoder:    NewDecoder(maxSize),
		readBuffer: make([]byte, readBufferSize),
	}
}

// Receive returns the next message. It returns io.EOF when the peer
// closes the stream on a message boundary and io.ErrUnexpectedEOF when
// it closes mid-message.
func (c *Conn) Receive() ([][]byte, error) {
	for len(c.queued) == 0 {
		n, readErr := c.stream.Read(c.readBuffer)
		if n > 0 {
			messages, err := c.decoder.Feed(c.readBuffer[:n])
			c.queued = append(c.queued, messages...)
			if err != nil {
				return nil, err
			}
		}
		if readErr != nil {
			if len(c.queued) > 0 {
				break
			}
			if errors.Is(readErr, io.EOF) && c.decoder.Buffered() {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, readErr
		}
	}
	message := c.queued[0]
	c.queued[0] = nil
	c.queued = c.queued[1:]
	return message, nil
}

// Send frames parts and writes them as one write call.
func (c *Conn) Send(parts ...[]byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.writeBuf = AppendEncode(c.writeBuf[:0], parts)
	if _, err := c.stream.Write(c.writeBuf); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	// Large chunk messages would otherwise pin their buffer for the
	// life of the connection.
	if cap(c.writeBuf) > 4*readBufferSize {
		c.writeBuf = nil
	}
	return nil
}

// Close closes the underlying stream, unblocking Receive.
func (c *Conn) Close() error {
	return c.stream.Close()
}
