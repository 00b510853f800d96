// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Limits on payloads that arrive inside wire frames. A ServerTask
// lists every header of a translation unit, so arrays are generous;
// nothing ccfarm sends nests deeper than a few levels.
const (
	MaxPayloadDepth  = 16
	MaxPayloadArray  = 1 << 20
	MaxPayloadFields = 1 << 12
)

var (
	deterministic = mustEncMode(cbor.CoreDetEncOptions())

	// admin decodes admin socket traffic. Untyped maps come back as
	// map[string]any so the CLI can re-encode them as JSON.
	admin = mustDecMode(cbor.DecOptions{
		DefaultMapType:   reflect.TypeOf(map[string]any(nil)),
		MaxNestedLevels:  32,
		MaxArrayElements: MaxPayloadArray,
		MaxMapPairs:      1 << 16,
	})

	// payload decodes frames from compile servers and managers.
	// Duplicate keys are rejected so two peers can never read different
	// values out of the same bytes.
	payload = mustDecMode(cbor.DecOptions{
		DefaultMapType:   reflect.TypeOf(map[string]any(nil)),
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels:  MaxPayloadDepth,
		MaxArrayElements: MaxPayloadArray,
		MaxMapPairs:      MaxPayloadFields,
	})
)

func mustEncMode(options cbor.EncOptions) cbor.EncMode {
	mode, err := options.EncMode()
	if err != nil {
		panic(fmt.Sprintf("codec: encoder options: %v", err))
	}
	return mode
}

func mustDecMode(options cbor.DecOptions) cbor.DecMode {
	mode, err := options.DecMode()
	if err != nil {
		panic(fmt.Sprintf("codec: decoder options: %v", err))
	}
	return mode
}

// Marshal encodes v with Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return deterministic.Marshal(v)
}

// Unmarshal decodes admin socket data into v. Unknown fields are
// ignored.
func Unmarshal(data []byte, v any) error {
	return admin.Unmarshal(data, v)
}

// UnmarshalPayload decodes a structured part of a wire frame into v.
// It is stricter than Unmarshal about shape: duplicate map keys, deep
// nesting and oversized collections are errors.
func UnmarshalPayload(data []byte, v any) error {
	return payload.Unmarshal(data, v)
}

// Encoder is a CBOR stream encoder.
type Encoder = cbor.Encoder

// Decoder is a CBOR stream decoder.
type Decoder = cbor.Decoder

// RawMessage is an undecoded CBOR value.
type RawMessage = cbor.RawMessage

// NewEncoder returns a deterministic CBOR encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return deterministic.NewEncoder(w)
}

// NewDecoder returns an admin socket decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return admin.NewDecoder(r)
}
