// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package frame implements the length-prefixed message framing shared
// by every cell connection. A frame is a 4-byte unsigned length
// followed by exactly that many payload bytes:
//
//	[u32 length][length bytes of payload]
//
// The payload is opaque to this package. The byte order of the length
// field is a deployment-wide constant carried by [Codec]; both ends of
// a connection must agree on it or the stream desynchronizes silently.
// Big-endian is the default.
//
// [Codec.Read] distinguishes a clean disconnect (the stream closed on a
// frame boundary, reported as io.EOF) from a protocol violation (the
// stream closed inside a frame, reported as [ErrTruncatedFrame]).
// Callers close the connection in both cases but only log the latter.
package frame
