// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport acquires the listening endpoint a cell serves on.
//
// Two modes exist, chosen at startup and fixed for the process:
//
//   - Inherited: a supervisor has already created, bound, and put a
//     Unix stream socket into the listening state, and passes its file
//     descriptor (CELL_SOCKET_FD). The cell adopts it as-is and never
//     binds or unlinks anything.
//
//   - Self-managed: the cell creates <dir>/<identity>.sock itself. It
//     takes an exclusive lock on <dir>/<identity>.lock so two
//     instances of one identity cannot race for the path, removes a
//     stale socket left by a crashed predecessor, binds, restricts the
//     socket to its owner (0600), and listens with an explicit backlog.
//     Closing the endpoint unlinks the socket and the lock.
//
// The socket is created through golang.org/x/sys/unix rather than
// net.Listen because net.Listen offers no control over the listen
// backlog or the window between bind and chmod.
package transport
