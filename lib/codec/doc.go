// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec serializes the structured payloads carried inside cell
// frames.
//
// A payload is a value of the interchange format's tagged union: nil,
// bool, number, string, ordered list ([]any), or string-keyed mapping
// (map[string]any). No schema is assumed; handlers receive and return
// these shapes (or any Go value that marshals to them).
//
// Two encodings exist, selected once per deployment:
//
//   - [JSON] (default): UTF-8 JSON. This is the polyglot encoding that
//     every cell implementation understands. Numbers decode as
//     [encoding/json.Number], so integers of any size survive a round
//     trip unchanged.
//   - [CBOR]: Core Deterministic Encoding (RFC 8949 §4.2) with
//     string-keyed maps. Only usable when every cell in the deployment
//     is configured for it. Unsigned integers decode as uint64.
//
// Both encodings reject trailing data after the first value, so a
// frame carries exactly one value.
//
//	data, err := codec.Marshal(codec.JSON, map[string]any{"text": "abc"})
//	value, err := codec.Decode(codec.JSON, data)
package codec
