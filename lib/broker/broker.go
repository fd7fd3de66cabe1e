// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/cell/lib/frame"
	"github.com/bureau-foundation/cell/lib/handshake"
	"github.com/bureau-foundation/cell/lib/metrics"
	"github.com/bureau-foundation/cell/lib/netutil"
	"github.com/bureau-foundation/cell/lib/transport"
)

const (
	// DefaultHandshakeTimeout bounds how long a caller may take to
	// send its handshake after connecting.
	DefaultHandshakeTimeout = 5 * time.Second

	// DefaultDialTimeout bounds connecting to a resolved target.
	DefaultDialTimeout = 5 * time.Second
)

// Broker accepts caller connections, routes each to a target cell, and
// bridges the two.
type Broker struct {
	// Transport selects the broker's own listening socket: an
	// inherited descriptor or a self-managed path.
	Transport transport.Config

	// Routes resolves handshake targets to socket paths.
	Routes RouteTable

	// Codec determines the byte order of the handshake length. Frames
	// after the handshake pass through unparsed.
	Codec frame.Codec

	// HandshakeTimeout and DialTimeout default to
	// DefaultHandshakeTimeout and DefaultDialTimeout.
	HandshakeTimeout time.Duration
	DialTimeout      time.Duration

	// Logger receives structured log output. If nil, slog.Default() is
	// used. Per-session events are logged at Debug level; rejected
	// handshakes at Warn.
	Logger *slog.Logger

	// Metrics records route outcomes and bridged bytes. May be nil.
	Metrics *metrics.Metrics

	endpoint *transport.Endpoint
	cancel   context.CancelFunc
	done     chan struct{}

	sessions     sync.WaitGroup
	sessionsLock sync.Mutex
	active       map[net.Conn]struct{}
	stopping     bool
}

func (b *Broker) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

func (b *Broker) handshakeTimeout() time.Duration {
	if b.HandshakeTimeout > 0 {
		return b.HandshakeTimeout
	}
	return DefaultHandshakeTimeout
}

func (b *Broker) dialTimeout() time.Duration {
	if b.DialTimeout > 0 {
		return b.DialTimeout
	}
	return DefaultDialTimeout
}

// Start acquires the broker socket and begins routing in the
// background. It returns once the socket is listening. The broker runs
// until Stop is called or ctx is cancelled.
func (b *Broker) Start(ctx context.Context) error {
	if b.done != nil {
		return errors.New("broker: already started")
	}
	endpoint, err := transport.Acquire(b.Transport)
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	b.endpoint = endpoint
	b.active = make(map[net.Conn]struct{})

	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})

	go func() {
		<-ctx.Done()
		b.endpoint.Close()
	}()

	go func() {
		defer close(b.done)
		b.acceptLoop(ctx)
	}()

	b.logger().Info("broker started",
		"socket_path", endpoint.Path(),
		"mode", endpoint.Mode().String(),
		"socket_dir", b.Routes.SocketDir,
		"static_routes", b.Routes.Targets(),
		"byte_order", b.Codec.ByteOrderName(),
	)
	return nil
}

// Addr returns the listener's address. Returns nil if the broker has
// not been started.
func (b *Broker) Addr() net.Addr {
	if b.endpoint == nil {
		return nil
	}
	return b.endpoint.Addr()
}

// Stop closes the listener, closes every bridged session, and waits
// for all session goroutines to finish.
func (b *Broker) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.endpoint != nil {
		b.endpoint.Close()
	}

	b.sessionsLock.Lock()
	b.stopping = true
	for conn := range b.active {
		conn.Close()
	}
	b.sessionsLock.Unlock()

	if b.done != nil {
		<-b.done
	}
}

// Wait blocks until the broker has stopped.
func (b *Broker) Wait() {
	if b.done != nil {
		<-b.done
	}
}

// acceptLoop accepts caller connections. It waits for in-flight
// sessions before returning, so closing done signals full quiescence.
func (b *Broker) acceptLoop(ctx context.Context) {
	for {
		conn, err := b.endpoint.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				b.sessions.Wait()
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				b.sessions.Wait()
				return
			}
			b.logger().Error("accept failed", "error", err)
			continue
		}

		if !b.track(conn) {
			conn.Close()
			continue
		}
		b.sessions.Add(1)
		go func() {
			defer b.sessions.Done()
			defer b.untrack(conn)
			b.handleConnection(conn)
		}()
	}
}

// track registers conn so Stop can close it. Returns false once the
// broker is stopping.
func (b *Broker) track(conn net.Conn) bool {
	b.sessionsLock.Lock()
	defer b.sessionsLock.Unlock()
	if b.stopping {
		return false
	}
	b.active[conn] = struct{}{}
	return true
}

func (b *Broker) untrack(conn net.Conn) {
	b.sessionsLock.Lock()
	delete(b.active, conn)
	b.sessionsLock.Unlock()
}

func (b *Broker) handleConnection(caller net.Conn) {
	defer caller.Close()

	logger := b.logger().With("session_id", uuid.NewString())
	logger.Debug("caller connected")

	caller.SetDeadline(time.Now().Add(b.handshakeTimeout()))

	target, err := handshake.ReadRequest(caller, b.Codec)
	if err != nil {
		switch {
		case err == io.EOF:
			logger.Debug("caller closed before handshake")
			b.Metrics.RouteFinished(metrics.RouteCallerAborted)
		default:
			// Unknown opcodes and malformed requests are closed
			// without an ack.
			logger.Warn("bad handshake", "error", err)
			b.Metrics.RouteFinished(metrics.RouteBadHandshake)
		}
		return
	}
	logger = logger.With("target", target)

	path, err := b.Routes.Resolve(target)
	if err == nil && b.endpoint.Path() != "" && path == b.endpoint.Path() {
		err = fmt.Errorf("%w %q: refusing to route to the broker itself", ErrUnknownRoute, target)
	}
	if err != nil {
		logger.Warn("routing rejected", "error", err)
		b.reject(caller, logger)
		b.Metrics.RouteFinished(metrics.RouteUnknown)
		return
	}

	targetConn, err := net.DialTimeout("unix", path, b.dialTimeout())
	if err != nil {
		logger.Warn("target unavailable", "socket_path", path, "error", err)
		b.reject(caller, logger)
		b.Metrics.RouteFinished(metrics.RouteUnavailable)
		return
	}
	defer targetConn.Close()

	if err := handshake.WriteAck(caller, true); err != nil {
		logger.Debug("caller went away before ack", "error", err)
		b.Metrics.RouteFinished(metrics.RouteCallerAborted)
		return
	}
	caller.SetDeadline(time.Time{})
	b.Metrics.RouteFinished(metrics.RouteAccepted)
	logger.Debug("route established", "socket_path", path)

	stats, err := netutil.BridgeConnections(caller, targetConn)
	b.Metrics.Bridged(stats.Forward, stats.Reverse)
	if err != nil {
		logger.Debug("session ended with error",
			"bytes_forward", stats.Forward,
			"bytes_reverse", stats.Reverse,
			"error", err,
		)
		return
	}
	logger.Debug("session closed",
		"bytes_forward", stats.Forward,
		"bytes_reverse", stats.Reverse,
	)
}

func (b *Broker) reject(caller net.Conn, logger *slog.Logger) {
	if err := handshake.WriteAck(caller, false); err != nil {
		logger.Debug("writing rejection failed", "error", err)
	}
}
