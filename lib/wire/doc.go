// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire frames ccfarm protocol messages on a byte stream.
//
// A message is an ordered list of opaque byte strings ("parts"). On the
// wire it is:
//
//	[4-byte big-endian total length]
//	[2-byte big-endian part count]
//	repeated: [4-byte big-endian part length][part bytes]
//
// The total length covers everything after the first four bytes.
//
// [Decoder] is resumable: bytes may be fed in chunks of any size and
// messages are returned as soon as their last byte arrives. Each decoded
// message owns one freshly allocated body buffer and its parts are
// slices of it, so handing the parts to a consumer costs no copy and
// the decoder keeps no reference once the message is returned.
//
// [Conn] combines a Decoder with an io.ReadWriteCloser and serializes
// concurrent writers, which is how both the manager and the server talk
// to their peers. Malformed frames yield [ErrMalformed]; callers treat
// it as fatal for the connection.
package wire
