// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"io"
	"net"
)

// BridgeStats reports how many bytes moved in each direction of a
// bridged session.
type BridgeStats struct {
	// Forward is the byte count copied from the first connection to
	// the second (caller to target, for a broker session).
	Forward int64

	// Reverse is the byte count copied from the second connection to
	// the first.
	Reverse int64
}

type bridgeCopyResult struct {
	forward     bool
	bytesCopied int64
	err         error
}

// BridgeReaders copies data bidirectionally between two connections
// using the provided readers. The readers may differ from the
// connections when a handshake has already consumed bytes through a
// buffered reader.
//
// Returns when either direction finishes. Both connections are closed
// before returning to unblock the surviving goroutine. The returned
// error is the one from the direction that terminated first, or nil if
// termination was a normal connection closure (EOF, peer disconnect,
// broken pipe, connection reset).
func BridgeReaders(connectionA net.Conn, readerA io.Reader, connectionB net.Conn, readerB io.Reader) (BridgeStats, error) {
	done := make(chan bridgeCopyResult, 2)

	go func() {
		bytesCopied, err := io.Copy(connectionB, readerA)
		done <- bridgeCopyResult{forward: true, bytesCopied: bytesCopied, err: err}
	}()

	go func() {
		bytesCopied, err := io.Copy(connectionA, readerB)
		done <- bridgeCopyResult{forward: false, bytesCopied: bytesCopied, err: err}
	}()

	// Wait for one direction to finish, then close both to unblock the other.
	first := <-done
	connectionA.Close()
	connectionB.Close()
	second := <-done

	var stats BridgeStats
	for _, result := range []bridgeCopyResult{first, second} {
		if result.forward {
			stats.Forward = result.bytesCopied
		} else {
			stats.Reverse = result.bytesCopied
		}
	}

	if first.err != nil && !IsExpectedCloseError(first.err) {
		return stats, first.err
	}
	return stats, nil
}

// BridgeConnections copies bytes bidirectionally between two
// connections, using each connection as both reader and writer.
func BridgeConnections(a, b net.Conn) (BridgeStats, error) {
	return BridgeReaders(a, a, b, b)
}
