// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds ccfarm's CBOR configuration.
//
// Structured payloads that ride inside wire frames (the ServerTask, the
// missing-file list, per-phase timing maps) and the admin socket
// protocol are CBOR. The encoder uses Core Deterministic Encoding
// (RFC 8949 §4.2), so the same value always produces the same bytes;
// the toolchain and header caches rely on that when they hash encoded
// descriptors.
//
// Use the `cbor` struct tag for types that are only ever CBOR. Types
// that are also printed as JSON by the ccfarm CLI use `json` tags,
// which fxamacker/cbor reads as a fallback.
package codec
