// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compress

import (
	"bytes"
	"errors"
	"math/rand/v2"
	"testing"
)

func randomBytes(seed uint64, size int) []byte {
	source := rand.New(rand.NewPCG(seed, seed))
	data := make([]byte, size)
	for index := range data {
		data[index] = byte(source.Uint32())
	}
	return data
}

func TestChunkRoundTrip(t *testing.T) {
	cases := map[string]struct {
		data []byte
		tag  Tag
	}{
		"empty":          {data: []byte{}, tag: TagNone},
		"compressible":   {data: bytes.Repeat([]byte("movq %rax, %rbx\n"), 4096), tag: TagLZ4},
		"incompressible": {data: randomBytes(1, 8192), tag: TagNone},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			chunk := EncodeChunk(tc.data)
			if Tag(chunk[0]) != tc.tag {
				t.Errorf("tag = %s, want %s", Tag(chunk[0]), tc.tag)
			}
			decoded, err := DecodeChunk(chunk)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(decoded, tc.data) {
				t.Error("decoded chunk differs")
			}
		})
	}
}

func TestDecodeChunkRejectsCorruption(t *testing.T) {
	valid := EncodeChunk(bytes.Repeat([]byte("abcd"), 1000))
	wrongSize := bytes.Clone(valid)
	wrongSize[4]++

	cases := map[string][]byte{
		"short":       {1, 0},
		"unknown tag": {9, 0, 0, 0, 0},
		"size":        wrongSize,
		"truncated":   valid[:len(valid)-4],
		"none length": {0, 0, 0, 0, 5, 'a'},
	}
	for name, chunk := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeChunk(chunk); !errors.Is(err, ErrCorrupt) {
				t.Errorf("err = %v, want ErrCorrupt", err)
			}
		})
	}
}

func TestSplitChunks(t *testing.T) {
	data := randomBytes(2, 2*ChunkSize+17)
	var reassembled []byte
	count := 0
	err := SplitChunks(data, func(chunk []byte) error {
		decoded, err := DecodeChunk(chunk)
		if err != nil {
			return err
		}
		reassembled = append(reassembled, decoded...)
		count++
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Errorf("chunks = %d, want 3", count)
	}
	if !bytes.Equal(reassembled, data) {
		t.Error("reassembled data differs")
	}
}

func TestZstdRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("precompiled header body "), 10000)
	compressed := Compress(data)
	if len(compressed) >= len(data) {
		t.Errorf("compressed %d bytes to %d", len(data), len(compressed))
	}

	var buffer bytes.Buffer
	written, err := DecompressTo(&buffer, compressed)
	if err != nil {
		t.Fatal(err)
	}
	if written != int64(len(data)) || !bytes.Equal(buffer.Bytes(), data) {
		t.Error("DecompressTo output differs")
	}

	decoded, err := Decompress(compressed)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(decoded, data) {
		t.Error("Decompress output differs")
	}

	if _, err := Decompress([]byte("not zstd")); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Decompress(garbage) = %v, want ErrCorrupt", err)
	}
}
