// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/cell/lib/broker"
	"github.com/bureau-foundation/cell/lib/config"
	"github.com/bureau-foundation/cell/lib/logging"
	"github.com/bureau-foundation/cell/lib/membrane"
	"github.com/bureau-foundation/cell/lib/synapse"
	"github.com/bureau-foundation/cell/lib/testutil"
	"github.com/bureau-foundation/cell/lib/transport"
)

func TestReverse(t *testing.T) {
	cases := []struct {
		text string
		want reverseResponse
	}{
		{"abc", reverseResponse{"abc", "cba", "ABC"}},
		{"", reverseResponse{"", "", ""}},
		{"héllo", reverseResponse{"héllo", "olléh", "HÉLLO"}},
		{"a b", reverseResponse{"a b", "b a", "A B"}},
	}
	for _, c := range cases {
		result, err := reverse(context.Background(), map[string]any{"text": c.text})
		if err != nil {
			t.Fatalf("reverse(%q): %v", c.text, err)
		}
		got, ok := result.(reverseResponse)
		if !ok || got != c.want {
			t.Errorf("reverse(%q) = %+v, want %+v", c.text, got, c.want)
		}
	}
}

func TestReverseRejectsMalformedRequests(t *testing.T) {
	for _, request := range []any{
		"just a string",
		nil,
		map[string]any{},
		map[string]any{"text": 42.0},
		map[string]any{"text": nil},
		[]any{"text"},
	} {
		if _, err := reverse(context.Background(), request); !errors.Is(err, errMissingText) {
			t.Errorf("reverse(%#v) = %v, want errMissingText", request, err)
		}
	}
}

func TestMembraneOptionsProbe(t *testing.T) {
	cfg := config.Default()

	options, err := membraneOptions(cfg, false)
	if err != nil {
		t.Fatal(err)
	}
	if options.Probe != nil {
		t.Error("probe enabled without --probe or a description file")
	}

	options, err = membraneOptions(cfg, true)
	if err != nil {
		t.Fatal(err)
	}
	if options.Probe == nil || options.Probe.Name != "reverse" {
		t.Fatalf("built-in probe = %+v", options.Probe)
	}

	path := filepath.Join(t.TempDir(), "reverse.jsonc")
	content := `{
		// hand-written description
		"name": "reverse-from-file",
		"type": "text-transform",
		"schema": {"text": "string"},
	}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	cfg.Dialect.Probe = path
	options, err = membraneOptions(cfg, true)
	if err != nil {
		t.Fatalf("membraneOptions with description file: %v", err)
	}
	if options.Probe == nil || options.Probe.Name != "reverse-from-file" {
		t.Errorf("file probe = %+v", options.Probe)
	}
}

func TestMembraneOptionsDialect(t *testing.T) {
	cfg := config.Default()
	cfg.Dialect.ByteOrder = "little"
	cfg.Dialect.Encoding = "cbor"
	cfg.Cell.Serial = true

	options, err := membraneOptions(cfg, false)
	if err != nil {
		t.Fatal(err)
	}
	if options.Codec.ByteOrderName() != "little" || options.Encoding != "cbor" || !options.Serial {
		t.Errorf("options = %+v", options)
	}
}

// TestReverseThroughBroker runs the full scenario: the reverse cell on
// its conventional socket, a broker in the same directory, and a
// caller that reaches the cell by name.
func TestReverseThroughBroker(t *testing.T) {
	directory := testutil.SocketDir(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	options, err := membraneOptions(config.Default(), true)
	if err != nil {
		t.Fatal(err)
	}
	options.Logger = logging.Discard()
	endpoint, err := transport.Acquire(transport.Config{SocketDir: directory, Identity: "reverse"})
	if err != nil {
		t.Fatal(err)
	}
	cell := membrane.New(endpoint, membrane.HandlerFunc(reverse), options)
	if err := cell.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer cell.Stop()

	golgi := &broker.Broker{
		Transport: transport.Config{SocketPath: filepath.Join(directory, "golgi.sock")},
		Routes:    broker.RouteTable{SocketDir: directory},
		Logger:    logging.Discard(),
	}
	if err := golgi.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer golgi.Stop()

	s, err := synapse.DialBroker(ctx, filepath.Join(directory, "golgi.sock"), "reverse", synapse.Options{Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("DialBroker: %v", err)
	}
	defer s.Close()

	var response reverseResponse
	if err := s.CallInto(ctx, map[string]any{"text": "abc"}, &response); err != nil {
		t.Fatalf("CallInto: %v", err)
	}
	if response != (reverseResponse{Original: "abc", Reversed: "cba", Uppercase: "ABC"}) {
		t.Errorf("response = %+v", response)
	}

	described, err := s.Probe(ctx)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if described.Name != "reverse" || described.Fingerprint == "" {
		t.Errorf("Probe = %+v", described)
	}

	// A malformed request aborts the conversation with no response.
	if _, err := s.Call(ctx, map[string]any{"wrong": "shape"}); !errors.Is(err, synapse.ErrConnectionClosed) {
		t.Fatalf("malformed request = %v, want ErrConnectionClosed", err)
	}

	// Other callers are unaffected.
	direct, err := synapse.DialCell(ctx, directory, "reverse", synapse.Options{Logger: logging.Discard()})
	if err != nil {
		t.Fatal(err)
	}
	defer direct.Close()
	if err := direct.CallInto(ctx, map[string]any{"text": "xyz"}, &response); err != nil || response.Reversed != "zyx" {
		t.Errorf("direct call after abort = %+v, %v", response, err)
	}
}
