// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compress

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Tag identifies how a chunk payload is encoded. Tags are protocol
// constants.
type Tag uint8

const (
	// TagNone is an uncompressed payload.
	TagNone Tag = 0

	// TagLZ4 is an LZ4 block.
	TagLZ4 Tag = 1
)

func (tag Tag) String() string {
	switch tag {
	case TagNone:
		return "none"
	case TagLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", tag)
	}
}

const chunkHeaderSize = 1 + 4

// ChunkSize is the amount of object file carried per RESULT_CHUNK.
const ChunkSize = 256 * 1024

// ErrCorrupt reports a chunk or stream that cannot be decoded.
var ErrCorrupt = errors.New("compress: corrupt data")

// EncodeChunk encodes data as one self-describing chunk, LZ4-compressed
// when that makes it smaller.
func EncodeChunk(data []byte) []byte {
	bound := lz4.CompressBlockBound(len(data))
	chunk := make([]byte, chunkHeaderSize+bound)

	written, err := lz4.CompressBlock(data, chunk[chunkHeaderSize:], nil)
	if err != nil || written == 0 || written >= len(data) {
		chunk = append(chunk[:chunkHeaderSize], data...)
		chunk[0] = byte(TagNone)
	} else {
		chunk = chunk[:chunkHeaderSize+written]
		chunk[0] = byte(TagLZ4)
	}
	binary.BigEndian.PutUint32(chunk[1:], uint32(len(data)))
	return chunk
}

// DecodeChunk reverses EncodeChunk.
func DecodeChunk(chunk []byte) ([]byte, error) {
	if len(chunk) < chunkHeaderSize {
		return nil, fmt.Errorf("%w: chunk of %d bytes has no header", ErrCorrupt, len(chunk))
	}
	tag := Tag(chunk[0])
	size := int(binary.BigEndian.Uint32(chunk[1:]))
	payload := chunk[chunkHeaderSize:]

	switch tag {
	case TagNone:
		if len(payload) != size {
			return nil, fmt.Errorf("%w: uncompressed chunk has %d bytes, header says %d", ErrCorrupt, len(payload), size)
		}
		return payload, nil
	case TagLZ4:
		destination := make([]byte, size)
		read, err := lz4.UncompressBlock(payload, destination)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %v", ErrCorrupt, err)
		}
		if read != size {
			return nil, fmt.Errorf("%w: lz4 produced %d bytes, header says %d", ErrCorrupt, read, size)
		}
		return destination, nil
	}
	return nil, fmt.Errorf("%w: unknown chunk tag %s", ErrCorrupt, tag)
}

// zstd encoders and decoders are safe for concurrent use and costly to
// build, so one of each is shared.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("compress: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("compress: zstd decoder initialization failed: " + err.Error())
	}
}

// Compress returns data as a zstd frame.
func Compress(data []byte) []byte {
	return zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)/2))
}

// DecompressTo writes the decoded form of a zstd payload to w and
// returns the number of bytes written.
func DecompressTo(w io.Writer, compressed []byte) (int64, error) {
	decoder, err := zstd.NewReader(bytes.NewReader(compressed), zstd.WithDecoderConcurrency(1))
	if err != nil {
		return 0, fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
	}
	defer decoder.Close()
	written, err := io.Copy(w, decoder)
	if err != nil {
		return written, fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
	}
	return written, nil
}

// Decompress returns the decoded form of a zstd payload.
func Decompress(compressed []byte) ([]byte, error) {
	data, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
	}
	return data, nil
}

// SplitChunks yields successive ChunkSize pieces of data, encoded.
func SplitChunks(data []byte, yield func(chunk []byte) error) error {
	for offset := 0; offset < len(data); offset += ChunkSize {
		end := min(offset+ChunkSize, len(data))
		if err := yield(EncodeChunk(data[offset:end])); err != nil {
			return err
		}
	}
	return nil
}
