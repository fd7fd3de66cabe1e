// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// cell-broker runs the routing process. Callers connect to its socket,
// name a target cell in the handshake, and are spliced through to that
// cell's socket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/cell/internal/cellcmd"
	"github.com/bureau-foundation/cell/lib/broker"
	"github.com/bureau-foundation/cell/lib/process"
	"github.com/bureau-foundation/cell/lib/transport"
	"github.com/bureau-foundation/cell/lib/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

func run(args []string) error {
	var common cellcmd.Common
	var socketPath string
	var routeFlags []string

	flagSet := pflag.NewFlagSet("cell-broker", pflag.ContinueOnError)
	common.AddFlags(flagSet)
	flagSet.StringVar(&socketPath, "socket", "", "broker socket path (default: $CELL_GOLGI_SOCK or <socket-dir>/golgi.sock)")
	flagSet.StringArrayVar(&routeFlags, "route", nil, "static route name=/path/to/socket (repeatable)")
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
	if common.Version {
		fmt.Printf("cell-broker %s\n", version.Info())
		return nil
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}

	cfg, err := common.Load()
	if err != nil {
		return err
	}
	if socketPath != "" {
		cfg.Broker.SocketPath = socketPath
	}
	routes, err := cellcmd.ParseRoutes(routeFlags)
	if err != nil {
		return err
	}
	if len(routes) > 0 && cfg.Broker.Routes == nil {
		cfg.Broker.Routes = make(map[string]string, len(routes))
	}
	for name, path := range routes {
		cfg.Broker.Routes[name] = path
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	frameCodec, err := cfg.Dialect.FrameCodec()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runtime, err := cellcmd.Start(ctx, cfg, "cell-broker")
	if err != nil {
		return err
	}
	defer func() {
		stop()
		runtime.Close()
	}()

	b := &broker.Broker{
		Transport: transport.Config{
			SocketPath: cfg.Broker.SocketPath,
			Backlog:    cfg.Cell.Backlog,
		},
		Routes: broker.RouteTable{
			Static:    cfg.Broker.Routes,
			SocketDir: cfg.Cell.SocketDir,
		},
		Codec:            frameCodec,
		HandshakeTimeout: cfg.Broker.HandshakeTimeout,
		DialTimeout:      cfg.Broker.DialTimeout,
		Logger:           runtime.Logger,
		Metrics:          runtime.Metrics,
	}
	if err := b.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	runtime.Logger.Info("shutting down")
	b.Stop()
	return nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `cell-broker - route caller connections to cells by name

Callers connect to the broker socket and send a routing handshake
naming a target. The broker resolves the target through static routes
first, then the <socket-dir>/<target>.sock convention, dials it, and
splices the connections. Unknown or unreachable targets are rejected.

Usage:
    cell-broker [flags]

Flags:
%s
Environment:
    CELL_CONFIG       configuration file when --config is not given
    CELL_GOLGI_SOCK   broker socket path
    CELL_SOCKET_DIR   cell socket directory
    CELL_LOG_LEVEL    log level override
`, flagSet.FlagUsages())
}
