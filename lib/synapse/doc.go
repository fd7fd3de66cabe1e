// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package synapse is the client side of the cell protocol: a
// connection to one target cell over which a caller issues
// request/response calls.
//
// A Synapse is opened either directly against the target's socket
// ([Dial], [DialCell]) or through a broker ([DialBroker]), which
// performs the routing handshake before returning. Either way the
// caller then sees the same framed conversation.
//
// Calls on one Synapse are serialized: the protocol has no request
// identifiers, so a second request must not be written until the first
// response has been read. Open several Synapses for parallel calls.
//
// Any transport or decoding failure poisons the Synapse. The stream
// position after such a failure is unknown, so every later call fails
// immediately with the original cause and the caller must open a new
// Synapse. Nothing is retried automatically.
package synapse
