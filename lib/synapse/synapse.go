// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package synapse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/bureau-foundation/cell/lib/clock"
	"github.com/bureau-foundation/cell/lib/codec"
	"github.com/bureau-foundation/cell/lib/frame"
	"github.com/bureau-foundation/cell/lib/handshake"
	"github.com/bureau-foundation/cell/lib/metrics"
	"github.com/bureau-foundation/cell/lib/netutil"
	"github.com/bureau-foundation/cell/lib/probe"
	"github.com/bureau-foundation/cell/lib/transport"
)

// DefaultDialTimeout bounds connecting when the context carries no
// deadline. It covers only the connect phase and the broker handshake.
const DefaultDialTimeout = 5 * time.Second

var (
	// ErrTargetUnavailable is returned when the target (or broker)
	// socket does not exist or refuses connections.
	ErrTargetUnavailable = errors.New("synapse: target unavailable")

	// ErrConnectionClosed is returned when the peer closes the
	// connection before a complete response arrives. A cell whose
	// handler fails closes the connection this way.
	ErrConnectionClosed = errors.New("synapse: connection closed by peer")

	// ErrRoutingRejected is returned by DialBroker when the broker
	// declines to route to the target.
	ErrRoutingRejected = handshake.ErrRoutingRejected

	// ErrSynapseClosed is returned by calls on a Synapse after Close.
	ErrSynapseClosed = errors.New("synapse: closed")
)

// DeserializationError reports a response that is not valid structured
// data in the deployment encoding.
type DeserializationError = codec.DeserializationError

// Options configures a Synapse. The zero value speaks JSON over
// big-endian frames.
type Options struct {
	// Codec frames requests and responses.
	Codec frame.Codec

	// Encoding serializes payloads.
	Encoding codec.Encoding

	// DialTimeout bounds connecting when ctx has no deadline. Zero
	// means DefaultDialTimeout.
	DialTimeout time.Duration

	// Logger receives debug records. Nil means slog.Default().
	Logger *slog.Logger

	// Metrics records call outcomes. Nil records nothing.
	Metrics *metrics.Metrics

	// Clock measures call durations. Nil means clock.Real().
	Clock clock.Clock
}

func (o Options) encoding() codec.Encoding {
	if o.Encoding == "" {
		return codec.JSON
	}
	return o.Encoding
}

// Synapse is an open connection to one target cell.
type Synapse struct {
	conn    net.Conn
	target  string
	options Options
	logger  *slog.Logger
	clock   clock.Clock

	mu sync.Mutex
	// broken is the error that poisoned the Synapse. Guarded by mu.
	broken error
}

// Dial connects directly to the cell listening at socketPath.
func Dial(ctx context.Context, socketPath string, options Options) (*Synapse, error) {
	conn, err := dialUnix(ctx, socketPath, options)
	if err != nil {
		return nil, err
	}
	return newSynapse(conn, socketPath, options), nil
}

// DialCell connects directly to the cell named identity in dir, using
// the <dir>/<identity>.sock convention.
func DialCell(ctx context.Context, dir, identity string, options Options) (*Synapse, error) {
	path, err := transport.SocketPath(dir, identity)
	if err != nil {
		return nil, err
	}
	return Dial(ctx, path, options)
}

// DialBroker connects to the broker at brokerPath and asks it to route
// to target. On rejection the connection is closed and the error wraps
// ErrRoutingRejected; no frames are exchanged.
func DialBroker(ctx context.Context, brokerPath, target string, options Options) (*Synapse, error) {
	conn, err := dialUnix(ctx, brokerPath, options)
	if err != nil {
		return nil, err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(dialTimeout(options))
	}
	conn.SetDeadline(deadline)

	if err := handshake.WriteRequest(conn, options.Codec, target); err != nil {
		conn.Close()
		return nil, fmt.Errorf("routing to %q via %s: %w", target, brokerPath, err)
	}
	if err := handshake.ReadAck(conn); err != nil {
		conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("routing to %q via %s: %w", target, brokerPath, ctxErr)
		}
		return nil, fmt.Errorf("routing to %q via %s: %w", target, brokerPath, err)
	}
	conn.SetDeadline(time.Time{})

	return newSynapse(conn, target, options), nil
}

func dialTimeout(options Options) time.Duration {
	if options.DialTimeout > 0 {
		return options.DialTimeout
	}
	return DefaultDialTimeout
}

func dialUnix(ctx context.Context, socketPath string, options Options) (net.Conn, error) {
	dialer := net.Dialer{Timeout: dialTimeout(options)}
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("connecting to %s: %w", socketPath, ctxErr)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrTargetUnavailable, socketPath, err)
	}
	return conn, nil
}

func newSynapse(conn net.Conn, target string, options Options) *Synapse {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger = logger.With("target", target)
	logger.Debug("synapse connected")
	return &Synapse{
		conn:    conn,
		target:  target,
		options: options,
		logger:  logger,
		clock:   clk,
	}
}

// Target returns the socket path or broker target this Synapse was
// opened for.
func (s *Synapse) Target() string {
	return s.target
}

// Err returns the error that poisoned the Synapse, or nil while it is
// usable.
func (s *Synapse) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broken
}

// Close closes the connection. Later calls fail with ErrSynapseClosed.
func (s *Synapse) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken == nil {
		s.broken = ErrSynapseClosed
	}
	return s.conn.Close()
}

// Call sends request and waits for the response value.
func (s *Synapse) Call(ctx context.Context, request any) (any, error) {
	payload, elapsed, err := s.exchange(ctx, request)
	if err != nil {
		return nil, err
	}
	response, err := codec.Decode(s.options.encoding(), payload)
	if err != nil {
		return nil, s.undecodable(elapsed, err)
	}
	s.options.Metrics.CallFinished(metrics.CallOK, elapsed)
	return response, nil
}

// CallInto sends request and decodes the response into result, which
// must be a pointer.
func (s *Synapse) CallInto(ctx context.Context, request any, result any) error {
	payload, elapsed, err := s.exchange(ctx, request)
	if err != nil {
		return err
	}
	encoding := s.options.encoding()
	if err := codec.Unmarshal(encoding, payload, result); err != nil {
		return s.undecodable(elapsed, &DeserializationError{Encoding: encoding, Length: len(payload), Err: err})
	}
	s.options.Metrics.CallFinished(metrics.CallOK, elapsed)
	return nil
}

// Probe asks the target to describe itself. A target without probe
// support treats the sentinel as an undecodable request and closes the
// connection, which surfaces as ErrConnectionClosed.
func (s *Synapse) Probe(ctx context.Context) (probe.Description, error) {
	payload, elapsed, err := s.roundTrip(ctx, []byte(probe.Sentinel))
	if err != nil {
		return probe.Description{}, err
	}
	encoding := s.options.encoding()
	var description probe.Description
	if err := codec.Unmarshal(encoding, payload, &description); err != nil {
		return probe.Description{}, s.undecodable(elapsed, &DeserializationError{Encoding: encoding, Length: len(payload), Err: err})
	}
	s.options.Metrics.CallFinished(metrics.CallOK, elapsed)
	return description, nil
}

// exchange encodes request and performs one round trip. Encoding
// failures do not poison the Synapse: nothing was written.
func (s *Synapse) exchange(ctx context.Context, request any) ([]byte, time.Duration, error) {
	payload, err := codec.Marshal(s.options.encoding(), request)
	if err != nil {
		return nil, 0, fmt.Errorf("calling %s: encoding request: %w", s.target, err)
	}
	return s.roundTrip(ctx, payload)
}

// roundTrip writes one request frame and reads one response frame,
// returning the response payload and the elapsed time.
func (s *Synapse) roundTrip(ctx context.Context, payload []byte) ([]byte, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.broken != nil {
		if s.broken == ErrSynapseClosed {
			return nil, 0, ErrSynapseClosed
		}
		return nil, 0, fmt.Errorf("calling %s: synapse unusable after earlier failure: %w", s.target, s.broken)
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, fmt.Errorf("calling %s: %w", s.target, err)
	}

	start := s.clock.Now()

	deadline, _ := ctx.Deadline()
	s.conn.SetDeadline(deadline)
	stopWatching := context.AfterFunc(ctx, func() {
		// Wakes a blocked read or write when the caller gives up.
		s.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stopWatching()

	if err := s.options.Codec.Write(s.conn, payload); err != nil {
		return nil, 0, s.transportFailure(ctx, start, "writing request", err)
	}

	response, err := s.options.Codec.Read(s.conn)
	if err != nil {
		return nil, 0, s.transportFailure(ctx, start, "reading response", err)
	}
	return response, clock.Since(s.clock, start), nil
}

// transportFailure classifies and records a read or write error, and
// poisons the Synapse. Called with s.mu held.
func (s *Synapse) transportFailure(ctx context.Context, start time.Time, operation string, err error) error {
	var result error
	outcome := metrics.CallTransportErr
	switch {
	case ctx.Err() != nil:
		result = fmt.Errorf("calling %s: %s: %w", s.target, operation, ctx.Err())
	case errors.Is(err, os.ErrDeadlineExceeded) && deadlinePassed(ctx):
		// The socket deadline can fire a moment before the context's
		// own timer does.
		result = fmt.Errorf("calling %s: %s: %w", s.target, operation, context.DeadlineExceeded)
	case err == io.EOF || errors.Is(err, frame.ErrTruncatedFrame) || netutil.IsExpectedCloseError(err):
		outcome = metrics.CallClosed
		result = fmt.Errorf("calling %s: %s: %w", s.target, operation, ErrConnectionClosed)
	default:
		result = fmt.Errorf("calling %s: %s: %w", s.target, operation, err)
	}

	s.broken = result
	s.conn.Close()
	s.options.Metrics.CallFinished(outcome, clock.Since(s.clock, start))
	s.logger.Debug("synapse failed", "operation", operation, "error", err)
	return result
}

func deadlinePassed(ctx context.Context) bool {
	deadline, ok := ctx.Deadline()
	return ok && !time.Now().Before(deadline)
}

// undecodable poisons the Synapse after a response that is not valid
// structured data and returns the caller-facing error.
func (s *Synapse) undecodable(elapsed time.Duration, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := fmt.Errorf("calling %s: %w", s.target, err)
	if s.broken == nil {
		s.broken = result
		s.conn.Close()
	}
	s.options.Metrics.CallFinished(metrics.CallUndecodable, elapsed)
	s.logger.Debug("undecodable response", "error", err)
	return result
}

// Call dials socketPath, performs one call, and closes the connection.
func Call(ctx context.Context, socketPath string, request any, options Options) (any, error) {
	s, err := Dial(ctx, socketPath, options)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return s.Call(ctx, request)
}
