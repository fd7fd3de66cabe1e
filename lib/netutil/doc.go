// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil holds connection plumbing shared by the membrane and
// the broker: transparent bidirectional bridging of two stream
// connections after a routing handshake, and classification of the
// errors that normal teardown produces.
package netutil
