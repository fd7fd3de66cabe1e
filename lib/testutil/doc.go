// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for cell packages.
//
// [SocketDir] creates a short temporary directory in /tmp for Unix
// domain sockets. sun_path is limited to 108 bytes, and t.TempDir()
// paths under a build sandbox routinely exceed it.
//
// [RequireReceive] and [RequireClosed] wrap the
// select-with-timeout safety valve so that tests waiting on a server
// goroutine fail with a message instead of hanging.
//
// [UniqueID] generates monotonically increasing identifiers, used for
// cell identities and request markers that must not collide between
// concurrent subtests.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
//
// This package has no dependencies on other cell packages.
package testutil
