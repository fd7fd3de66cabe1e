// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// cell-call sends one request to a cell and prints the response. The
// target is reached directly through its socket or, with --broker or
// --brokered, by name through the broker.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"
	"golang.org/x/term"

	"github.com/bureau-foundation/cell/internal/cellcmd"
	"github.com/bureau-foundation/cell/lib/codec"
	"github.com/bureau-foundation/cell/lib/config"
	"github.com/bureau-foundation/cell/lib/logging"
	"github.com/bureau-foundation/cell/lib/process"
	"github.com/bureau-foundation/cell/lib/synapse"
	"github.com/bureau-foundation/cell/lib/version"
)

// Exit codes beyond 1 (usage or unexpected failure).
const (
	exitTargetUnavailable = 2
	exitRoutingRejected   = 3
	exitConnectionClosed  = 4
	exitUndecodable       = 5
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		process.Fatal(err)
	}
}

type callParams struct {
	common   cellcmd.Common
	broker   string
	brokered bool
	probe    bool
	timeout  time.Duration
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	var params callParams

	flagSet := pflag.NewFlagSet("cell-call", pflag.ContinueOnError)
	params.common.AddFlags(flagSet)
	flagSet.StringVar(&params.broker, "broker", "", "route through the broker at this socket path")
	flagSet.BoolVar(&params.brokered, "brokered", false, "route through the configured broker ($CELL_GOLGI_SOCK)")
	flagSet.BoolVar(&params.probe, "probe", false, "send a capability probe instead of a request")
	flagSet.DurationVar(&params.timeout, "timeout", 10*time.Second, "overall deadline for connecting and the call")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if params.common.Version {
		fmt.Fprintf(stdout, "cell-call %s\n", version.Info())
		return nil
	}

	positional := flagSet.Args()
	if len(positional) == 0 {
		printHelp(flagSet)
		return errors.New("target is required")
	}
	if len(positional) > 2 {
		return fmt.Errorf("unexpected argument: %s", positional[2])
	}
	target := positional[0]

	cfg, err := params.common.Load()
	if err != nil {
		return err
	}
	if params.common.LogLevel == "" && os.Getenv(logging.EnvLevel) == "" {
		cfg.Log.Level = "warn"
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var request any
	if !params.probe {
		var source []byte
		if len(positional) == 2 {
			source = []byte(positional[1])
		} else {
			source, err = io.ReadAll(stdin)
			if err != nil {
				return fmt.Errorf("reading request from stdin: %w", err)
			}
		}
		request, err = parseRequest(source)
		if err != nil {
			return err
		}
	} else if len(positional) == 2 {
		return errors.New("--probe takes no request")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, params.timeout)
	defer cancel()

	runtime, err := cellcmd.Start(ctx, cfg, "cell-call")
	if err != nil {
		return err
	}
	defer func() {
		cancel()
		runtime.Close()
	}()

	options, err := synapseOptions(cfg)
	if err != nil {
		return err
	}
	options.Logger = runtime.Logger
	options.Metrics = runtime.Metrics

	s, err := dial(ctx, cfg, params, target, options)
	if err != nil {
		return classify(err)
	}
	defer s.Close()

	var response any
	if params.probe {
		response, err = s.Probe(ctx)
	} else {
		response, err = s.Call(ctx, request)
	}
	if err != nil {
		return classify(err)
	}
	return writeResponse(stdout, response)
}

// parseRequest reads the request as JSON, tolerating comments and
// trailing commas. An empty source is the null request.
func parseRequest(source []byte) (any, error) {
	trimmed := strings.TrimSpace(string(source))
	if trimmed == "" {
		return nil, nil
	}
	request, err := codec.Decode(codec.JSON, jsonc.ToJSON([]byte(trimmed)))
	if err != nil {
		return nil, fmt.Errorf("request is not valid JSON: %w", err)
	}
	return request, nil
}

func synapseOptions(cfg *config.Config) (synapse.Options, error) {
	frameCodec, err := cfg.Dialect.FrameCodec()
	if err != nil {
		return synapse.Options{}, err
	}
	encoding, err := cfg.Dialect.PayloadEncoding()
	if err != nil {
		return synapse.Options{}, err
	}
	return synapse.Options{Codec: frameCodec, Encoding: encoding}, nil
}

// dial opens the Synapse: through a broker when one is requested,
// directly to a socket path when target contains a slash, and
// otherwise to <socket-dir>/<target>.sock.
func dial(ctx context.Context, cfg *config.Config, params callParams, target string, options synapse.Options) (*synapse.Synapse, error) {
	brokerPath := params.broker
	if brokerPath == "" && params.brokered {
		brokerPath = cfg.Broker.SocketPath
	}
	switch {
	case brokerPath != "":
		return synapse.DialBroker(ctx, brokerPath, target, options)
	case strings.Contains(target, "/"):
		return synapse.Dial(ctx, target, options)
	default:
		return synapse.DialCell(ctx, cfg.Cell.SocketDir, target, options)
	}
}

// classify attaches the exit status for each failure kind.
func classify(err error) error {
	var decodeErr *synapse.DeserializationError
	switch {
	case errors.Is(err, synapse.ErrTargetUnavailable):
		return &process.ExitError{Code: exitTargetUnavailable, Err: err}
	case errors.Is(err, synapse.ErrRoutingRejected):
		return &process.ExitError{Code: exitRoutingRejected, Err: err}
	case errors.Is(err, synapse.ErrConnectionClosed):
		return &process.ExitError{Code: exitConnectionClosed, Err: err}
	case errors.As(err, &decodeErr):
		return &process.ExitError{Code: exitUndecodable, Err: err}
	default:
		return err
	}
}

// writeResponse prints the response as JSON, indented when stdout is a
// terminal.
func writeResponse(stdout io.Writer, response any) error {
	encoder := json.NewEncoder(stdout)
	encoder.SetEscapeHTML(false)
	if file, ok := stdout.(*os.File); ok && term.IsTerminal(int(file.Fd())) {
		encoder.SetIndent("", "  ")
	}
	if err := encoder.Encode(response); err != nil {
		return fmt.Errorf("writing response: %w", err)
	}
	return nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `cell-call - send one request to a cell

Usage:
    cell-call [flags] <target> [json-request]

The target is a cell identity (resolved as <socket-dir>/<target>.sock,
or by the broker with --broker/--brokered) or a socket path. The request
is read from the second argument or, if absent, from stdin.

Flags:
%s
Exit status:
    0  response printed
    1  usage or unexpected error
    2  target (or broker) unavailable
    3  broker rejected the route
    4  connection closed without a response (handler failure)
    5  response was not valid in the deployment encoding

Examples:
    cell-call reverse '{"text": "abc"}'
    echo '{"text": "abc"}' | cell-call --brokered reverse
    cell-call --probe /run/cells/reverse.sock
`, flagSet.FlagUsages())
}
