// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics holds the Prometheus collectors for membranes,
// synapses, and the broker.
//
// Each Metrics value owns a private registry, so several servers in
// one process (or one test binary) never collide on registration. A
// nil *Metrics is valid and records nothing; library types accept one
// unconditionally and binaries decide whether to expose it.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cell"

// Conversation outcomes, used as the "outcome" label when a membrane
// conversation ends.
const (
	OutcomeClean           = "clean"
	OutcomeTruncated       = "truncated"
	OutcomeReadError       = "read_error"
	OutcomeDeserialization = "deserialization"
	OutcomeHandlerFailure  = "handler_failure"
	OutcomeEncodeFailure   = "encode_failure"
	OutcomeWriteFailure    = "write_failure"
	OutcomeShutdown        = "shutdown"
)

// Route outcomes, used as the "outcome" label for broker sessions.
const (
	RouteAccepted      = "accepted"
	RouteUnknown       = "unknown_target"
	RouteUnavailable   = "target_unavailable"
	RouteBadHandshake  = "bad_handshake"
	RouteCallerAborted = "caller_aborted"
)

// Call outcomes, used as the "outcome" label for synapse calls.
const (
	CallOK           = "ok"
	CallClosed       = "connection_closed"
	CallUndecodable  = "deserialization"
	CallTransportErr = "transport_error"
)

// Metrics is a set of collectors bound to one registry.
type Metrics struct {
	registry *prometheus.Registry

	conversationsActive prometheus.Gauge
	conversations       *prometheus.CounterVec
	frames              *prometheus.CounterVec
	frameBytes          *prometheus.CounterVec
	handlerDuration     prometheus.Histogram
	probes              prometheus.Counter
	calls               *prometheus.CounterVec
	callDuration        prometheus.Histogram
	routes              *prometheus.CounterVec
	bridgedBytes        *prometheus.CounterVec
}

// New creates collectors on a fresh registry, including the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		conversationsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "membrane",
			Name:      "conversations_active",
			Help:      "Connections currently being served.",
		}),
		conversations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "membrane",
			Name:      "conversations_total",
			Help:      "Finished conversations by how they ended.",
		}, []string{"outcome"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "membrane",
			Name:      "frames_total",
			Help:      "Frames read and written.",
		}, []string{"direction"}),
		frameBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "membrane",
			Name:      "frame_payload_bytes_total",
			Help:      "Payload bytes read and written, excluding length prefixes.",
		}, []string{"direction"}),
		handlerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "membrane",
			Name:      "handler_duration_seconds",
			Help:      "Time spent inside the request handler.",
			Buckets:   prometheus.DefBuckets,
		}),
		probes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "membrane",
			Name:      "probes_total",
			Help:      "Capability probes answered.",
		}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "synapse",
			Name:      "calls_total",
			Help:      "Outbound calls by outcome.",
		}, []string{"outcome"}),
		callDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "synapse",
			Name:      "call_duration_seconds",
			Help:      "Round-trip time of outbound calls.",
			Buckets:   prometheus.DefBuckets,
		}),
		routes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "routes_total",
			Help:      "Routing handshakes by outcome.",
		}, []string{"outcome"}),
		bridgedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "bridged_bytes_total",
			Help:      "Bytes spliced between callers and targets.",
		}, []string{"direction"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.conversationsActive,
		m.conversations,
		m.frames,
		m.frameBytes,
		m.handlerDuration,
		m.probes,
		m.calls,
		m.callDuration,
		m.routes,
		m.bridgedBytes,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ConversationStarted records an accepted connection.
func (m *Metrics) ConversationStarted() {
	if m == nil {
		return
	}
	m.conversationsActive.Inc()
}

// ConversationEnded records a finished connection.
func (m *Metrics) ConversationEnded(outcome string) {
	if m == nil {
		return
	}
	m.conversationsActive.Dec()
	m.conversations.WithLabelValues(outcome).Inc()
}

// FrameReceived records one request frame of n payload bytes.
func (m *Metrics) FrameReceived(n int) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues("in").Inc()
	m.frameBytes.WithLabelValues("in").Add(float64(n))
}

// FrameSent records one response frame of n payload bytes.
func (m *Metrics) FrameSent(n int) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues("out").Inc()
	m.frameBytes.WithLabelValues("out").Add(float64(n))
}

// HandlerFinished records how long one handler invocation took.
func (m *Metrics) HandlerFinished(duration time.Duration) {
	if m == nil {
		return
	}
	m.handlerDuration.Observe(duration.Seconds())
}

// ProbeAnswered records a capability probe response.
func (m *Metrics) ProbeAnswered() {
	if m == nil {
		return
	}
	m.probes.Inc()
}

// CallFinished records one synapse call.
func (m *Metrics) CallFinished(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(outcome).Inc()
	m.callDuration.Observe(duration.Seconds())
}

// RouteFinished records one broker handshake.
func (m *Metrics) RouteFinished(outcome string) {
	if m == nil {
		return
	}
	m.routes.WithLabelValues(outcome).Inc()
}

// Bridged records bytes moved by one broker session.
func (m *Metrics) Bridged(forward, reverse int64) {
	if m == nil {
		return
	}
	m.bridgedBytes.WithLabelValues("forward").Add(float64(forward))
	m.bridgedBytes.WithLabelValues("reverse").Add(float64(reverse))
}
