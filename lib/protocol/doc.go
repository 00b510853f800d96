// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the typed messages exchanged between the
// ccfarm client wrapper, the manager and the compile servers.
//
// Each direction has its own sum type, implemented as a sealed
// interface with one struct per variant:
//
//   - [ServerBound]: manager to server (NewSession, TaskFiles,
//     DataChunk, SendConfirmation, CancelSession).
//   - [ManagerBound]: server to manager (MissingFiles, ServerDone,
//     ServerFailed, ResultChunk, SessionCancelled, TimedOut).
//   - [ClientRequest]: client wrapper to manager (Compile, Output,
//     Located).
//   - [ClientCommand]: manager to client wrapper (RunLocally,
//     ExecuteAndExit, ExecuteGetOutput, LocateFiles, Exit).
//
// On the wire every message is a [wire] frame whose first part is an
// ASCII tag naming the variant. Session identifiers travel as decimal
// ASCII. Structured payloads (the ServerTask, missing-file lists,
// timing maps) are CBOR via lib/codec. Messages are decoded exactly
// once, at the connection boundary; an unknown tag or a part count
// that does not match the variant is [wire.ErrMalformed].
package protocol
