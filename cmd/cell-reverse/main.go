// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// cell-reverse is a cell that reverses and uppercases text. It listens
// on an inherited socket when started with CELL_SOCKET_FD, and
// otherwise creates <socket-dir>/<identity>.sock itself.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/cell/internal/cellcmd"
	"github.com/bureau-foundation/cell/lib/config"
	"github.com/bureau-foundation/cell/lib/membrane"
	"github.com/bureau-foundation/cell/lib/probe"
	"github.com/bureau-foundation/cell/lib/process"
	"github.com/bureau-foundation/cell/lib/transport"
	"github.com/bureau-foundation/cell/lib/version"
)

const defaultIdentity = "reverse"

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

func run(args []string) error {
	var common cellcmd.Common
	var identity, socketPath string
	var serial, enableProbe bool

	flagSet := pflag.NewFlagSet("cell-reverse", pflag.ContinueOnError)
	common.AddFlags(flagSet)
	flagSet.StringVar(&identity, "identity", "", "cell identity (default: $CELL_IDENTITY or "+defaultIdentity+")")
	flagSet.StringVar(&socketPath, "socket", "", "explicit socket path instead of <socket-dir>/<identity>.sock")
	flagSet.BoolVar(&serial, "serial", false, "serve one conversation at a time")
	flagSet.BoolVar(&enableProbe, "probe", false, "answer capability probes with the built-in description")
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
		fmt.Printf("cell-reverse %s\n", version.Full())
		return nil
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}

	cfg, err := common.Load()
	if err != nil {
		return err
	}
	if identity != "" {
		cfg.Cell.Identity = identity
	}
	if cfg.Cell.Identity == "" {
		cfg.Cell.Identity = defaultIdentity
	}
	if socketPath != "" {
		cfg.Cell.SocketPath = socketPath
	}
	if serial {
		cfg.Cell.Serial = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	options, err := membraneOptions(cfg, enableProbe)
	if err != nil {
		return err
	}
	transportConfig, err := cfg.Cell.Transport()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runtime, err := cellcmd.Start(ctx, cfg, "cell-reverse")
	if err != nil {
		return err
	}
	defer func() {
		stop()
		runtime.Close()
	}()
	options.Logger = runtime.Logger.With("identity", cfg.Cell.Identity)
	options.Metrics = runtime.Metrics

	endpoint, err := transport.Acquire(transportConfig)
	if err != nil {
		return err
	}
	options.Logger.Info("endpoint acquired", "mode", endpoint.Mode().String(), "socket_path", endpoint.Path())

	return membrane.New(endpoint, membrane.HandlerFunc(reverse), options).Serve(ctx)
}

// membraneOptions translates the configuration into server options.
// The probe is enabled by --probe (built-in description) or by a
// dialect.probe description file.
func membraneOptions(cfg *config.Config, enableProbe bool) (membrane.Options, error) {
	frameCodec, err := cfg.Dialect.FrameCodec()
	if err != nil {
		return membrane.Options{}, err
	}
	encoding, err := cfg.Dialect.PayloadEncoding()
	if err != nil {
		return membrane.Options{}, err
	}
	options := membrane.Options{
		Serial:        cfg.Cell.Serial,
		ReadTimeout:   cfg.Cell.ReadTimeout,
		WriteTimeout:  cfg.Cell.WriteTimeout,
		ShutdownGrace: cfg.Cell.ShutdownGrace,
		Codec:         frameCodec,
		Encoding:      encoding,
	}

	switch {
	case cfg.Dialect.Probe != "":
		loaded, err := probe.LoadFile(cfg.Dialect.Probe)
		if err != nil {
			return membrane.Options{}, err
		}
		options.Probe = &loaded
	case enableProbe:
		builtin, err := description()
		if err != nil {
			return membrane.Options{}, err
		}
		options.Probe = &builtin
	}
	return options, nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `cell-reverse - a cell that reverses and uppercases text

Request:   {"text": "abc"}
Response:  {"original": "abc", "reversed": "cba", "uppercase": "ABC"}

A request without a string "text" field aborts the connection.

Usage:
    cell-reverse [flags]

Flags:
%s
Environment:
    CELL_SOCKET_FD    inherited listening socket (takes precedence)
    CELL_SOCKET_PATH  explicit socket path
    CELL_SOCKET_DIR   socket directory (default: /tmp/cell)
    CELL_IDENTITY     cell identity
    CELL_CONFIG       configuration file when --config is not given
`, flagSet.FlagUsages())
}
