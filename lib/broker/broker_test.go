// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bureau-foundation/cell/lib/frame"
	"github.com/bureau-foundation/cell/lib/handshake"
	"github.com/bureau-foundation/cell/lib/logging"
	"github.com/bureau-foundation/cell/lib/membrane"
	"github.com/bureau-foundation/cell/lib/metrics"
	"github.com/bureau-foundation/cell/lib/netutil"
	"github.com/bureau-foundation/cell/lib/synapse"
	"github.com/bureau-foundation/cell/lib/testutil"
	"github.com/bureau-foundation/cell/lib/transport"
)

const testTimeout = 5 * time.Second

// reverser answers {"text": s} with s reversed and counts invocations.
type reverser struct {
	calls atomic.Int64
}

func (r *reverser) Handle(_ context.Context, request any) (any, error) {
	r.calls.Add(1)
	text, _ := request.(map[string]any)["text"].(string)
	runes := []rune(text)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return map[string]any{"reversed": string(runes)}, nil
}

// startCell serves handler as <directory>/<identity>.sock.
func startCell(t *testing.T, directory, identity string, handler membrane.Handler) {
	t.Helper()
	endpoint, err := transport.Acquire(transport.Config{SocketDir: directory, Identity: identity})
	if err != nil {
		t.Fatalf("Acquire %s: %v", identity, err)
	}
	m := membrane.New(endpoint, handler, membrane.Options{Logger: logging.Discard()})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start %s: %v", identity, err)
	}
	t.Cleanup(m.Stop)
}

// startBroker runs a broker on <directory>/golgi.sock routing by the
// socket-directory convention plus any static routes.
func startBroker(t *testing.T, directory string, static map[string]string, collector *metrics.Metrics) (*Broker, string) {
	t.Helper()
	path := filepath.Join(directory, "golgi.sock")
	b := &Broker{
		Transport:        transport.Config{SocketPath: path},
		Routes:           RouteTable{Static: static, SocketDir: directory},
		HandshakeTimeout: time.Second,
		Logger:           logging.Discard(),
		Metrics:          collector,
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("broker Start: %v", err)
	}
	t.Cleanup(b.Stop)
	return b, path
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

func synapseOptions() synapse.Options {
	return synapse.Options{Logger: logging.Discard()}
}

func TestBrokeredCallReachesTarget(t *testing.T) {
	directory := testutil.SocketDir(t)
	startCell(t, directory, "reverse", &reverser{})
	_, brokerPath := startBroker(t, directory, nil, nil)

	s, err := synapse.DialBroker(testContext(t), brokerPath, "reverse", synapseOptions())
	if err != nil {
		t.Fatalf("DialBroker: %v", err)
	}
	defer s.Close()

	for _, text := range []string{"abc", "hello world", ""} {
		response, err := s.Call(testContext(t), map[string]any{"text": text})
		if err != nil {
			t.Fatalf("Call(%q): %v", text, err)
		}
		want := []rune(text)
		for i, j := 0, len(want)-1; i < j; i, j = i+1, j-1 {
			want[i], want[j] = want[j], want[i]
		}
		if got := response.(map[string]any)["reversed"]; got != string(want) {
			t.Errorf("Call(%q) reversed = %v, want %q", text, got, string(want))
		}
	}
}

func TestStaticRouteTakesPrecedence(t *testing.T) {
	cells := testutil.SocketDir(t)
	startCell(t, cells, "reverse-v2", &reverser{})

	directory := testutil.SocketDir(t)
	_, brokerPath := startBroker(t, directory, map[string]string{
		"reverse": filepath.Join(cells, "reverse-v2.sock"),
	}, nil)

	s, err := synapse.DialBroker(testContext(t), brokerPath, "reverse", synapseOptions())
	if err != nil {
		t.Fatalf("DialBroker via static route: %v", err)
	}
	defer s.Close()
	if _, err := s.Call(testContext(t), map[string]any{"text": "x"}); err != nil {
		t.Fatalf("Call: %v", err)
	}
}

func TestUnknownTargetIsRejected(t *testing.T) {
	directory := testutil.SocketDir(t)
	handler := &reverser{}
	startCell(t, directory, "reverse", handler)
	collector := metrics.New()
	_, brokerPath := startBroker(t, directory, nil, collector)

	_, err := synapse.DialBroker(testContext(t), brokerPath, "nonexistent", synapseOptions())
	if !errors.Is(err, synapse.ErrRoutingRejected) {
		t.Fatalf("DialBroker = %v, want ErrRoutingRejected", err)
	}
	if handler.calls.Load() != 0 {
		t.Error("a rejected route reached a handler")
	}
	waitForSeries(t, collector.Registry(), "cell_broker_routes_total", 1)
}

func TestRejectionSendsNoFurtherBytes(t *testing.T) {
	directory := testutil.SocketDir(t)
	_, brokerPath := startBroker(t, directory, nil, nil)

	conn, err := net.Dial("unix", brokerPath)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(testTimeout))

	if err := handshake.WriteRequest(conn, frame.BigEndian, "missing"); err != nil {
		t.Fatal(err)
	}
	rest, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("reading after rejection: %v", err)
	}
	if len(rest) != 1 || rest[0] != handshake.AckRejected {
		t.Errorf("broker sent %x, want exactly one rejection byte", rest)
	}
}

func TestStaticRouteToMissingSocketIsRejected(t *testing.T) {
	directory := testutil.SocketDir(t)
	_, brokerPath := startBroker(t, directory, map[string]string{
		"ghost": filepath.Join(directory, "ghost-elsewhere.sock"),
	}, nil)

	_, err := synapse.DialBroker(testContext(t), brokerPath, "ghost", synapseOptions())
	if !errors.Is(err, synapse.ErrRoutingRejected) {
		t.Fatalf("DialBroker = %v, want ErrRoutingRejected", err)
	}
}

func TestBrokerRefusesToRouteToItself(t *testing.T) {
	directory := testutil.SocketDir(t)
	_, brokerPath := startBroker(t, directory, nil, nil)

	_, err := synapse.DialBroker(testContext(t), brokerPath, "golgi", synapseOptions())
	if !errors.Is(err, synapse.ErrRoutingRejected) {
		t.Fatalf("DialBroker(golgi) = %v, want ErrRoutingRejected", err)
	}
}

func TestUnknownOpcodeClosesWithoutAck(t *testing.T) {
	directory := testutil.SocketDir(t)
	_, brokerPath := startBroker(t, directory, nil, nil)

	conn, err := net.Dial("unix", brokerPath)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(testTimeout))

	if _, err := conn.Write([]byte{0x02, 0, 0, 0, 1, 'x'}); err != nil {
		t.Fatal(err)
	}
	rest, err := io.ReadAll(conn)
	// The unread remainder of the request may turn the close into a
	// reset.
	if err != nil && !netutil.IsExpectedCloseError(err) {
		t.Fatalf("reading after bad opcode: %v", err)
	}
	if len(rest) != 0 {
		t.Errorf("broker answered a bad opcode with %x", rest)
	}
}

func TestSilentCallerTimesOut(t *testing.T) {
	directory := testutil.SocketDir(t)
	_, brokerPath := startBroker(t, directory, nil, nil)

	conn, err := net.Dial("unix", brokerPath)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(testTimeout))

	var buffer [1]byte
	if _, err := conn.Read(buffer[:]); err != io.EOF {
		t.Fatalf("Read = %v, want io.EOF after handshake timeout", err)
	}
}

func TestConcurrentBrokeredCallersDoNotCrossTalk(t *testing.T) {
	directory := testutil.SocketDir(t)
	startCell(t, directory, "reverse", &reverser{})
	_, brokerPath := startBroker(t, directory, nil, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for client := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := synapse.DialBroker(testContext(t), brokerPath, "reverse", synapseOptions())
			if err != nil {
				errs <- err
				return
			}
			defer s.Close()
			for request := range 10 {
				text := fmt.Sprintf("c%02dr%02d", client, request)
				response, err := s.Call(testContext(t), map[string]any{"text": text})
				if err != nil {
					errs <- err
					return
				}
				want := reverseASCII(text)
				if got := response.(map[string]any)["reversed"]; got != want {
					errs <- fmt.Errorf("client %d request %d: got %v, want %q", client, request, got, want)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestStopClosesBridgedSessions(t *testing.T) {
	directory := testutil.SocketDir(t)
	startCell(t, directory, "reverse", &reverser{})
	b, brokerPath := startBroker(t, directory, nil, nil)

	s, err := synapse.DialBroker(testContext(t), brokerPath, "reverse", synapseOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := s.Call(testContext(t), map[string]any{"text": "before"}); err != nil {
		t.Fatal(err)
	}

	stopped := make(chan struct{})
	go func() {
		b.Stop()
		close(stopped)
	}()
	testutil.RequireClosed(t, stopped, testTimeout, "Stop should return with a session open")

	if _, err := s.Call(testContext(t), map[string]any{"text": "after"}); !errors.Is(err, synapse.ErrConnectionClosed) {
		t.Fatalf("Call after broker Stop = %v, want ErrConnectionClosed", err)
	}
	if _, err := net.Dial("unix", brokerPath); err == nil {
		t.Error("broker socket still accepting after Stop")
	}
}

func TestBridgedBytesRecorded(t *testing.T) {
	directory := testutil.SocketDir(t)
	startCell(t, directory, "reverse", &reverser{})
	collector := metrics.New()
	_, brokerPath := startBroker(t, directory, nil, collector)

	s, err := synapse.DialBroker(testContext(t), brokerPath, "reverse", synapseOptions())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Call(testContext(t), map[string]any{"text": "bytes"}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	waitForSeries(t, collector.Registry(), "cell_broker_bridged_bytes_total", 2)
}

func TestRouteTableResolve(t *testing.T) {
	table := RouteTable{
		Static:    map[string]string{"alias": "/elsewhere/real.sock"},
		SocketDir: "/run/cell",
	}
	cases := map[string]string{
		"alias":   "/elsewhere/real.sock",
		"reverse": "/run/cell/reverse.sock",
	}
	for target, want := range cases {
		got, err := table.Resolve(target)
		if err != nil || got != want {
			t.Errorf("Resolve(%q) = %q, %v; want %q", target, got, err, want)
		}
	}
	for _, bad := range []string{"../escape", "", "a/b"} {
		if _, err := table.Resolve(bad); !errors.Is(err, ErrUnknownRoute) {
			t.Errorf("Resolve(%q) = %v, want ErrUnknownRoute", bad, err)
		}
	}

	staticOnly := RouteTable{Static: map[string]string{"b": "/b.sock", "a": "/a.sock"}}
	if _, err := staticOnly.Resolve("c"); !errors.Is(err, ErrUnknownRoute) {
		t.Errorf("Resolve without SocketDir = %v, want ErrUnknownRoute", err)
	}
	if got := staticOnly.Targets(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Targets = %v", got)
	}
}

func reverseASCII(s string) string {
	b := []byte(s)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return string(b)
}

// waitForSeries polls until the named metric family has at least want
// series. Outcomes are recorded after the caller has already seen the
// result, so a single gather can race.
func waitForSeries(t *testing.T, registry *prometheus.Registry, name string, want int) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for {
		count, err := promtestutil.GatherAndCount(registry, name)
		if err != nil {
			t.Fatal(err)
		}
		if count >= want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s has %d series, want at least %d", name, count, want)
		}
		time.Sleep(time.Millisecond)
	}
}
