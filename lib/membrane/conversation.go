// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package membrane

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"runtime/debug"
	"time"

	"github.com/bureau-foundation/cell/lib/clock"
	"github.com/bureau-foundation/cell/lib/codec"
	"github.com/bureau-foundation/cell/lib/frame"
	"github.com/bureau-foundation/cell/lib/metrics"
	"github.com/bureau-foundation/cell/lib/netutil"
	"github.com/bureau-foundation/cell/lib/probe"
)

// HandlerError wraps a handler failure: a returned error, or a
// recovered panic with its stack.
type HandlerError struct {
	ConnectionID int64
	Err          error
	Panic        any
	Stack        []byte
}

func (e *HandlerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("handler panicked on connection %d: %v", e.ConnectionID, e.Panic)
	}
	return fmt.Sprintf("handler failed on connection %d: %v", e.ConnectionID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// conversation is one accepted connection.
type conversation struct {
	conn net.Conn

	// busy is true between reading a complete request and returning
	// to wait for the next one. Guarded by Membrane.mu.
	busy bool
}

// interruptIfIdle wakes a conversation blocked waiting for a request.
// Busy conversations are left to finish their current response; they
// observe the closed state before their next read. Called with
// Membrane.mu held.
func (c *conversation) interruptIfIdle() {
	if !c.busy {
		c.conn.SetReadDeadline(time.Unix(1, 0))
	}
}

// register adds c to the live set. Returns false when the membrane is
// already stopping.
func (m *Membrane) register(c *conversation) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateListening {
		return false
	}
	m.conversations[c] = struct{}{}
	return true
}

func (m *Membrane) unregister(c *conversation) {
	m.mu.Lock()
	delete(m.conversations, c)
	m.mu.Unlock()
}

// awaitRequest marks c idle and arms its read deadline. Returns false
// when the membrane is stopping and c should end.
func (m *Membrane) awaitRequest(c *conversation) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateListening {
		return false
	}
	c.busy = false
	var deadline time.Time
	if m.options.ReadTimeout > 0 {
		deadline = time.Now().Add(m.options.ReadTimeout)
	}
	c.conn.SetReadDeadline(deadline)
	return true
}

func (m *Membrane) markBusy(c *conversation) {
	m.mu.Lock()
	c.busy = true
	m.mu.Unlock()
}

// converse runs one conversation to completion and closes conn.
func (m *Membrane) converse(conn net.Conn, id int64) {
	defer conn.Close()

	c := &conversation{conn: conn}
	if !m.register(c) {
		return
	}
	defer m.unregister(c)

	logger := m.logger.With("connection_id", id)
	logger.Debug("connection accepted")

	m.options.Metrics.ConversationStarted()
	outcome := m.exchange(c, id, logger)
	m.options.Metrics.ConversationEnded(outcome)

	logger.Debug("connection closed", "outcome", outcome)
}

// exchange is the request/response loop. It returns the metrics
// outcome that ended the conversation.
func (m *Membrane) exchange(c *conversation, id int64, logger *slog.Logger) string {
	encoding := orJSON(m.options.Encoding)

	for {
		if !m.awaitRequest(c) {
			return metrics.OutcomeShutdown
		}

		payload, err := m.options.Codec.Read(c.conn)
		if err != nil {
			return m.readFailure(err, logger)
		}
		m.markBusy(c)
		m.options.Metrics.FrameReceived(len(payload))

		if m.probePayload != nil && probe.IsProbe(payload) {
			if err := m.respond(c, m.probePayload); err != nil {
				logger.Warn("writing probe response", "error", err)
				return metrics.OutcomeWriteFailure
			}
			m.options.Metrics.ProbeAnswered()
			logger.Debug("probe answered")
			continue
		}

		request, err := codec.Decode(encoding, payload)
		if err != nil {
			logger.Warn("undecodable request, closing connection", "error", err)
			return metrics.OutcomeDeserialization
		}

		start := m.clock.Now()
		response, err := m.invoke(request, id)
		m.options.Metrics.HandlerFinished(clock.Since(m.clock, start))
		if err != nil {
			var handlerErr *HandlerError
			if errors.As(err, &handlerErr) && handlerErr.Panic != nil {
				logger.Error("handler panicked, closing connection",
					"panic", handlerErr.Panic,
					"stack", string(handlerErr.Stack),
				)
			} else {
				logger.Warn("handler failed, closing connection", "error", err)
			}
			return metrics.OutcomeHandlerFailure
		}

		data, err := codec.Marshal(encoding, response)
		if err != nil {
			logger.Error("encoding response, closing connection", "error", err)
			return metrics.OutcomeEncodeFailure
		}
		if err := m.respond(c, data); err != nil {
			if netutil.IsExpectedCloseError(err) {
				logger.Debug("caller gone before response", "error", err)
			} else {
				logger.Warn("writing response", "error", err)
			}
			return metrics.OutcomeWriteFailure
		}
	}
}

// invoke calls the handler, converting errors and panics into
// *HandlerError.
func (m *Membrane) invoke(request any, id int64) (response any, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			response = nil
			err = &HandlerError{ConnectionID: id, Panic: recovered, Stack: debug.Stack()}
		}
	}()
	response, err = m.handler.Handle(m.handlerCtx, request)
	if err != nil {
		return nil, &HandlerError{ConnectionID: id, Err: err}
	}
	return response, nil
}

// respond writes one response frame under the write timeout.
func (m *Membrane) respond(c *conversation, payload []byte) error {
	if m.options.WriteTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(m.options.WriteTimeout))
	}
	if err := m.options.Codec.Write(c.conn, payload); err != nil {
		return err
	}
	m.options.Metrics.FrameSent(len(payload))
	return nil
}

// readFailure classifies an error from reading a request frame.
func (m *Membrane) readFailure(err error, logger *slog.Logger) string {
	switch {
	case err == io.EOF:
		logger.Debug("caller disconnected")
		return metrics.OutcomeClean
	case errors.Is(err, os.ErrDeadlineExceeded) && m.isStopping():
		return metrics.OutcomeShutdown
	case errors.Is(err, frame.ErrTruncatedFrame):
		logger.Warn("truncated request frame", "error", err)
		return metrics.OutcomeTruncated
	case errors.Is(err, frame.ErrFrameTooLarge):
		logger.Warn("oversized request frame", "error", err)
		return metrics.OutcomeReadError
	case errors.Is(err, os.ErrDeadlineExceeded):
		logger.Info("read timeout waiting for request", "timeout", m.options.ReadTimeout)
		return metrics.OutcomeReadError
	case netutil.IsExpectedCloseError(err):
		logger.Debug("connection reset by caller", "error", err)
		return metrics.OutcomeClean
	default:
		logger.Warn("reading request", "error", err)
		return metrics.OutcomeReadError
	}
}
