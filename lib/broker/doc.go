// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package broker implements the reference routing process that sits
// between callers and cells.
//
// A caller connects to the broker's socket and sends a handshake naming
// a target cell (see lib/handshake). The broker resolves the target
// through its [RouteTable], dials the target's socket, acknowledges,
// and then splices the two connections together byte for byte. From
// that point the broker is invisible: frames pass through unchanged,
// and when either side closes both sides are closed.
//
// A target that cannot be resolved or dialed is rejected with a
// non-zero ack and the caller's connection is closed. An unrecognized
// opcode is closed without any ack.
//
// Lifecycle mirrors the other long-running components in this module:
//
//	b := &broker.Broker{
//	    Transport: transport.Config{SocketPath: "/run/cell/golgi.sock"},
//	    Routes:    broker.RouteTable{SocketDir: "/run/cell"},
//	}
//	if err := b.Start(ctx); err != nil { ... }
//	defer b.Stop()
package broker
