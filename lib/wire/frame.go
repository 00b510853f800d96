// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	lengthSize = 4
	countSize  = 2

	// MaxParts is the largest part count a frame can carry.
	MaxParts = math.MaxUint16

	// DefaultMaxMessageSize bounds a single frame body. Object files and
	// toolchain archives are streamed as many chunk messages, so no
	// legitimate message approaches this.
	DefaultMaxMessageSize = 256 << 20
)

// ErrMalformed reports a frame that cannot be decoded. The stream is
// unusable after it is returned.
var ErrMalformed = errors.New("wire: malformed frame")

// Encode frames parts as a single message.
func Encode(parts [][]byte) []byte {
	return AppendEncode(nil, parts)
}

// AppendEncode appends the framed message to dst and returns the
// extended slice. Panics if parts has more than MaxParts entries or the
// body does not fit a 32-bit length; both are programming errors.
func AppendEncode(dst []byte, parts [][]byte) []byte {
	if len(parts) > MaxParts {
		panic(fmt.Sprintf("wire: %d parts exceed the frame limit of %d", len(parts), MaxParts))
	}
	var bodyLength uint64 = countSize
	for _, part := range parts {
		bodyLength = addPart(bodyLength, len(part))
	}

	dst = binary.BigEndian.AppendUint32(dst, uint32(bodyLength))
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(parts)))
	for _, part := range parts {
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(part)))
		dst = append(dst, part...)
	}
	return dst
}

// addPart returns bodyLength grown by one part of partLength bytes.
func addPart(bodyLength uint64, partLength int) uint64 {
	if uint64(partLength) > math.MaxUint32 {
		panic("wire: part larger than 4 GiB")
	}
	bodyLength += lengthSize + uint64(partLength)
	if bodyLength > math.MaxUint32 {
		panic("wire: frame body larger than 4 GiB")
	}
	return bodyLength
}

// decodeBody splits a frame body into its parts. The returned parts
// alias body.
func decodeBody(body []byte) ([][]byte, error) {
	if len(body) < countSize {
		return nil, fmt.Errorf("%w: body of %d bytes has no part count", ErrMalformed, len(body))
	}
	count := int(binary.BigEndian.Uint16(body))
	rest := body[countSize:]

	parts := make([][]byte, 0, count)
	for index := range count {
		if len(rest) < lengthSize {
			return nil, fmt.Errorf("%w: part %d of %d has a truncated length", ErrMalformed, index, count)
		}
		partLength := binary.BigEndian.Uint32(rest)
		rest = rest[lengthSize:]
		if uint64(partLength) > uint64(len(rest)) {
			return nil, fmt.Errorf("%w: part %d declares %d bytes, %d remain", ErrMalformed, index, partLength, len(rest))
		}
		// Full slice expression: appending to one part must never
		// overwrite the next.
		parts = append(parts, rest[:partLength:partLength])
		rest = rest[partLength:]
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after %d parts", ErrMalformed, len(rest), count)
	}
	return parts, nil
}

// Decoder reassembles messages from an arbitrarily chunked stream.
type Decoder struct {
	maxSize int

	header     [lengthSize]byte
	headerFill int

	// body is non-nil while a message body is being filled.
	body     []byte
	bodyFill int
}

// NewDecoder returns a Decoder that rejects message bodies larger
// than maxSize bytes. A non-positive maxSize selects
// DefaultMaxMessageSize.
func NewDecoder(maxSize int) *Decoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &Decoder{maxSize: maxSize}
}

// Feed consumes data and returns every message completed by it, in
// stream order. data is not retained. After an error the Decoder must
// be discarded.
func (d *Decoder) Feed(data []byte) ([][][]byte, error) {
	var messages [][][]byte
	for len(data) > 0 {
		if d.body == nil {
			copied := copy(d.header[d.headerFill:], data)
			d.headerFill += copied
			data = data[copied:]
			if d.headerFill < lengthSize {
				break
			}
			length := binary.BigEndian.Uint32(d.header[:])
			if length < countSize {
				return messages, fmt.Errorf("%w: total length %d is shorter than the part count", ErrMalformed, length)
			}
			if uint64(length) > uint64(d.maxSize) {
				return messages, fmt.Errorf("%w: total length %d exceeds limit %d", ErrMalformed, length, d.maxSize)
			}
			d.body = make([]byte, length)
			d.bodyFill = 0
			d.headerFill = 0
		}

		copied := copy(d.body[d.bodyFill:], data)
		d.bodyFill += copied
		data = data[copied:]
		if d.bodyFill < len(d.body) {
			break
		}

		parts, err := decodeBody(d.body)
		d.body = nil
		if err != nil {
			return messages, err
		}
		messages = append(messages, parts)
	}
	return messages, nil
}

// Buffered reports whether a partially received message is pending.
func (d *Decoder) Buffered() bool {
	return d.headerFill > 0 || d.body != nil
}
