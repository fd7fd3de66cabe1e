// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"errors"
	"fmt"
	"sort"

	"github.com/bureau-foundation/cell/lib/transport"
)

// ErrUnknownRoute is returned by RouteTable.Resolve when no route
// matches the target.
var ErrUnknownRoute = errors.New("broker: no route to target")

// RouteTable maps target identities to socket paths. Static entries
// take precedence; otherwise a target resolves to
// <SocketDir>/<target>.sock when SocketDir is set.
type RouteTable struct {
	// Static maps a target identity to an explicit socket path.
	Static map[string]string

	// SocketDir is the directory searched for conventionally named
	// cell sockets. Empty disables the convention.
	SocketDir string
}

// Resolve returns the socket path for target. It does not check that
// the socket exists; a missing socket is discovered when dialing.
func (r RouteTable) Resolve(target string) (string, error) {
	if path, ok := r.Static[target]; ok {
		return path, nil
	}
	if r.SocketDir == "" {
		return "", fmt.Errorf("%w %q", ErrUnknownRoute, target)
	}
	path, err := transport.SocketPath(r.SocketDir, target)
	if err != nil {
		return "", fmt.Errorf("%w %q: %v", ErrUnknownRoute, target, err)
	}
	return path, nil
}

// Targets returns the statically routed identities in sorted order.
func (r RouteTable) Targets() []string {
	targets := make([]string, 0, len(r.Static))
	for target := range r.Static {
		targets = append(targets, target)
	}
	sort.Strings(targets)
	return targets
}
