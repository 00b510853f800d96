// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"fmt"
	"strconv"

	"github.com/bureau-foundation/ccfarm/lib/codec"
	"github.com/bureau-foundation/ccfarm/lib/wire"
)

// SessionID identifies a session within one connection. The manager and
// the server each allocate their own.
type SessionID uint64

func (id SessionID) String() string { return strconv.FormatUint(uint64(id), 10) }

func (id SessionID) bytes() []byte { return strconv.AppendUint(nil, uint64(id), 10) }

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", wire.ErrMalformed, fmt.Sprintf(format, args...))
}

func expectParts(tag string, parts [][]byte, want int) error {
	if len(parts) != want {
		return malformed("%s has %d parts, want %d", tag, len(parts), want)
	}
	return nil
}

func expectAtLeast(tag string, parts [][]byte, want int) error {
	if len(parts) < want {
		return malformed("%s has %d parts, want at least %d", tag, len(parts), want)
	}
	return nil
}

func parseID(tag string, part []byte) (SessionID, error) {
	value, err := strconv.ParseUint(string(part), 10, 64)
	if err != nil {
		return 0, malformed("%s session id %q", tag, part)
	}
	return SessionID(value), nil
}

func parseInt(tag string, part []byte) (int, error) {
	value, err := strconv.Atoi(string(part))
	if err != nil {
		return 0, malformed("%s integer %q", tag, part)
	}
	return value, nil
}

func parseFlag(tag string, part []byte) (bool, error) {
	switch string(part) {
	case "1":
		return true, nil
	case "0":
		return false, nil
	}
	return false, malformed("%s flag %q", tag, part)
}

func flag(value bool) []byte {
	if value {
		return []byte("1")
	}
	return []byte("0")
}

func intPart(value int) []byte { return strconv.AppendInt(nil, int64(value), 10) }

func decodePayload(tag string, part []byte, target any) error {
	if err := codec.UnmarshalPayload(part, target); err != nil {
		return fmt.Errorf("%w: %s payload: %v", wire.ErrMalformed, tag, err)
	}
	return nil
}

func mustMarshal(value any) []byte {
	data, err := codec.Marshal(value)
	if err != nil {
		// Only fixed protocol structs are marshaled here.
		panic(fmt.Sprintf("protocol: marshaling %T: %v", value, err))
	}
	return data
}

func stringParts(values []string) [][]byte {
	parts := make([][]byte, len(values))
	for index, value := range values {
		parts[index] = []byte(value)
	}
	return parts
}

func partStrings(parts [][]byte) []string {
	values := make([]string, len(parts))
	for index, part := range parts {
		values[index] = string(part)
	}
	return values
}

func join(tag string, rest ...[]byte) [][]byte {
	return append([][]byte{[]byte(tag)}, rest...)
}
