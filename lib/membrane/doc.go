// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package membrane is the server side of a cell: it owns a listening
// endpoint and turns each accepted connection into a conversation of
// framed request/response exchanges with one handler.
//
// A conversation alternates strictly. The membrane reads one request
// frame, decodes it, calls the handler, encodes the result, and writes
// exactly one response frame before reading the next request. A caller
// may hold one connection open for any number of requests, or connect
// once per request.
//
// A conversation ends, closing only its own connection, when:
//
//   - the caller disconnects between frames (clean, logged at Debug),
//   - the caller disconnects mid-frame (truncated frame, Warn),
//   - a request does not decode in the deployment encoding,
//   - the handler returns an error or panics,
//   - the response cannot be encoded or written.
//
// In every failure case no response is sent: the caller observes the
// connection closing. The accept loop is unaffected by any of these
// and keeps serving other callers.
//
// When a probe description is configured, a request whose raw payload
// is the probe sentinel is answered with the description instead of
// reaching the handler, and the conversation continues.
//
// Conversations run concurrently, one goroutine per connection, unless
// Options.Serial is set. Stop closes the endpoint, interrupts
// conversations that are waiting for their next request, lets
// conversations inside the handler finish their current response, and
// returns once every conversation has ended (or ShutdownGrace expires
// and the rest are closed forcibly).
package membrane
