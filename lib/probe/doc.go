// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package probe implements the capability probe: a reserved request
// payload that asks a cell to describe itself instead of invoking its
// handler.
//
// The probe payload is the 10 ASCII bytes [Sentinel]. It is compared
// verbatim against the raw frame payload before any decoding, so it
// never reaches the handler and never collides with a well-formed JSON
// request (a JSON string would be quoted).
//
// A cell answers with its [Description], encoded in the deployment's
// payload encoding. Descriptions are either authored as JSONC files
// ([LoadFile]) or built in code ([Dynamic], [New]). The Fingerprint
// field is a BLAKE3 digest of the schema's canonical JSON, so callers
// can cache a schema and detect when a cell's contract changes.
package probe
