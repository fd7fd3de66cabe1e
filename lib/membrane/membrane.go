// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package membrane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/cell/lib/clock"
	"github.com/bureau-foundation/cell/lib/codec"
	"github.com/bureau-foundation/cell/lib/frame"
	"github.com/bureau-foundation/cell/lib/metrics"
	"github.com/bureau-foundation/cell/lib/probe"
)

// Handler processes one decoded request and returns the response
// value. Returning an error aborts the conversation without a
// response.
type Handler interface {
	Handle(ctx context.Context, request any) (any, error)
}

// HandlerFunc adapts an ordinary function to Handler.
type HandlerFunc func(ctx context.Context, request any) (any, error)

// Handle calls f(ctx, request).
func (f HandlerFunc) Handle(ctx context.Context, request any) (any, error) {
	return f(ctx, request)
}

// Listener is the endpoint a membrane accepts from. *transport.Endpoint
// and net.Listener both satisfy it. Close must unblock a pending
// Accept.
type Listener interface {
	Accept() (net.Conn, error)
	Close() error
	Addr() net.Addr
}

// State is the lifecycle state of a Membrane.
type State int32

const (
	// StateIdle is a membrane that has not been started.
	StateIdle State = iota

	// StateListening is a membrane accepting connections.
	StateListening

	// StateClosed is a membrane that has been stopped. It cannot be
	// restarted.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var (
	// ErrAlreadyStarted is returned by Start on a listening membrane.
	ErrAlreadyStarted = errors.New("membrane: already started")

	// ErrClosed is returned by Start on a stopped membrane.
	ErrClosed = errors.New("membrane: closed")
)

// Options configures a Membrane. The zero value serves JSON over
// big-endian frames, concurrently, with no timeouts and no probe.
type Options struct {
	// Serial serves one conversation at a time in the accept loop.
	// Further callers queue in the listen backlog.
	Serial bool

	// ReadTimeout bounds how long a conversation waits for the next
	// request frame. Zero means no limit.
	ReadTimeout time.Duration

	// WriteTimeout bounds writing one response frame. Zero means no
	// limit.
	WriteTimeout time.Duration

	// ShutdownGrace bounds how long Stop waits for handlers that are
	// still running. When it expires, their connections are closed
	// and their contexts cancelled. Zero means wait indefinitely.
	ShutdownGrace time.Duration

	// Probe, when set, enables the capability probe and is the
	// description returned for it.
	Probe *probe.Description

	// Codec frames requests and responses.
	Codec frame.Codec

	// Encoding serializes payloads.
	Encoding codec.Encoding

	// Logger receives lifecycle and protocol-error records. Nil means
	// slog.Default().
	Logger *slog.Logger

	// Metrics records conversation outcomes. Nil records nothing.
	Metrics *metrics.Metrics

	// Clock measures handler durations and the shutdown grace period.
	// Nil means clock.Real().
	Clock clock.Clock
}

// Membrane serves a Handler on a Listener.
type Membrane struct {
	listener Listener
	handler  Handler
	options  Options
	logger   *slog.Logger
	clock    clock.Clock

	// probePayload is the encoded probe description, prepared once at
	// Start. Nil when probing is disabled.
	probePayload []byte

	mu            sync.Mutex
	state         State
	conversations map[*conversation]struct{}

	// handlerCtx is passed to every handler invocation. It survives
	// cancellation of the Start context so in-flight handlers can
	// finish during a graceful stop, and is cancelled only when the
	// grace period expires or Stop completes.
	handlerCtx    context.Context
	handlerCancel context.CancelFunc

	nextConnectionID atomic.Int64
	active           sync.WaitGroup

	stopping   chan struct{}
	acceptDone chan struct{}
	done       chan struct{}
	stopOnce   sync.Once
}

// New creates a membrane serving handler on listener. The membrane
// takes ownership of listener and closes it on Stop.
func New(listener Listener, handler Handler, options Options) *Membrane {
	if listener == nil {
		panic("membrane.New: listener is required")
	}
	if handler == nil {
		panic("membrane.New: handler is required")
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Membrane{
		listener:      listener,
		handler:       handler,
		options:       options,
		logger:        logger,
		clock:         clk,
		conversations: make(map[*conversation]struct{}),
		stopping:      make(chan struct{}),
		acceptDone:    make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start enters the listening state and runs the accept loop in the
// background. It returns once the loop is running. Cancelling ctx is
// equivalent to calling Stop.
func (m *Membrane) Start(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateListening:
		m.mu.Unlock()
		return ErrAlreadyStarted
	case StateClosed:
		m.mu.Unlock()
		return ErrClosed
	}

	if m.options.Probe != nil {
		payload, err := m.options.Probe.Encode(m.options.Encoding)
		if err != nil {
			m.mu.Unlock()
			return fmt.Errorf("membrane: %w", err)
		}
		m.probePayload = payload
	}

	m.handlerCtx, m.handlerCancel = context.WithCancel(context.WithoutCancel(ctx))
	m.state = StateListening
	m.mu.Unlock()

	go func() {
		defer close(m.acceptDone)
		m.acceptLoop()
	}()

	go func() {
		select {
		case <-ctx.Done():
			m.Stop()
		case <-m.done:
		}
	}()

	m.logger.Info("membrane listening",
		"address", m.listener.Addr().String(),
		"serial", m.options.Serial,
		"probe", m.probePayload != nil,
		"byte_order", m.options.Codec.ByteOrderName(),
		"encoding", string(orJSON(m.options.Encoding)),
	)
	return nil
}

// Serve runs the membrane until ctx is cancelled or Stop is called,
// and returns once every conversation has ended.
func (m *Membrane) Serve(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		return err
	}
	<-m.done
	return nil
}

// Stop closes the listener, drains conversations, and returns when the
// membrane is fully stopped. Safe to call more than once and from any
// goroutine other than a handler: a handler calling Stop would wait
// for itself.
func (m *Membrane) Stop() {
	m.stopOnce.Do(m.stop)
	<-m.done
}

func (m *Membrane) stop() {
	m.mu.Lock()
	wasListening := m.state == StateListening
	m.state = StateClosed
	close(m.stopping)
	for c := range m.conversations {
		c.interruptIfIdle()
	}
	m.mu.Unlock()

	if err := m.listener.Close(); err != nil {
		m.logger.Warn("closing listener", "error", err)
	}

	if !wasListening {
		close(m.done)
		return
	}

	drained := make(chan struct{})
	go func() {
		<-m.acceptDone
		m.active.Wait()
		close(drained)
	}()

	if grace := m.options.ShutdownGrace; grace > 0 {
		select {
		case <-drained:
		case <-m.clock.After(grace):
			m.logger.Warn("shutdown grace expired, closing remaining conversations",
				"grace", grace,
			)
			m.forceClose()
			<-drained
		}
	} else {
		<-drained
	}

	m.handlerCancel()
	m.logger.Info("membrane stopped")
	close(m.done)
}

// forceClose closes every remaining connection and cancels handler
// contexts.
func (m *Membrane) forceClose() {
	m.handlerCancel()
	m.mu.Lock()
	defer m.mu.Unlock()
	for c := range m.conversations {
		c.conn.Close()
	}
}

// Done returns a channel closed once the membrane has fully stopped.
func (m *Membrane) Done() <-chan struct{} {
	return m.done
}

// State returns the current lifecycle state.
func (m *Membrane) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Addr returns the listener's address.
func (m *Membrane) Addr() net.Addr {
	return m.listener.Addr()
}

// acceptLoop accepts until the listener is closed. Accept failures
// other than closure are logged and retried with backoff.
func (m *Membrane) acceptLoop() {
	var backoff time.Duration
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			if m.isStopping() || errors.Is(err, net.ErrClosed) {
				return
			}
			backoff = nextBackoff(backoff)
			m.logger.Error("accept failed", "error", err, "retry_in", backoff)
			select {
			case <-m.clock.After(backoff):
			case <-m.stopping:
				return
			}
			continue
		}
		backoff = 0

		id := m.nextConnectionID.Add(1)
		if m.options.Serial {
			m.converse(conn, id)
			continue
		}
		m.active.Add(1)
		go func() {
			defer m.active.Done()
			m.converse(conn, id)
		}()
	}
}

func (m *Membrane) isStopping() bool {
	select {
	case <-m.stopping:
		return true
	default:
		return false
	}
}

// nextBackoff doubles the accept retry delay from 5ms up to 1s.
func nextBackoff(previous time.Duration) time.Duration {
	if previous == 0 {
		return 5 * time.Millisecond
	}
	return min(previous*2, time.Second)
}

func orJSON(encoding codec.Encoding) codec.Encoding {
	if encoding == "" {
		return codec.JSON
	}
	return encoding
}
