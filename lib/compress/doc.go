// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package compress holds the byte codecs used on ccfarm's data streams
// and the small cache that keeps recently compressed payloads.
//
// Whole-file payloads (precompiled headers, compiler archives) are zstd
// streams: [Compress] on the sender, [DecompressTo] on the receiver.
// Object files travel back as independently decodable chunks built by
// [EncodeChunk]: a one-byte [Tag], the 4-byte big-endian decoded size,
// then the payload. Chunks that do not shrink under LZ4 are sent with
// [TagNone].
//
// [FileCache] is an LRU of compressed payloads keyed by absolute path.
// Concurrent sessions sending the same PCH or toolchain share one
// compression; callers queued while it runs are all notified when it
// completes.
package compress
