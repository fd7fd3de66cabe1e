// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cellcmd holds the flag handling and startup sequence shared
// by the cell binaries: load configuration, apply command-line
// overrides, build the logger, and optionally serve metrics.
package cellcmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/cell/lib/config"
	"github.com/bureau-foundation/cell/lib/logging"
	"github.com/bureau-foundation/cell/lib/metrics"
	"github.com/bureau-foundation/cell/lib/version"
)

// Common is the set of flags every cell binary accepts. Values left
// at their zero value do not override the configuration file.
type Common struct {
	ConfigPath    string
	SocketDir     string
	ByteOrder     string
	Encoding      string
	MetricsListen string
	LogLevel      string
	LogFile       string
	Version       bool
}

// AddFlags registers the common flags on flagSet.
func (c *Common) AddFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&c.ConfigPath, "config", "", "configuration file (default: $"+config.EnvConfig+")")
	flagSet.StringVar(&c.SocketDir, "socket-dir", "", "directory of <identity>.sock cell sockets")
	flagSet.StringVar(&c.ByteOrder, "byte-order", "", "frame length byte order: big or little")
	flagSet.StringVar(&c.Encoding, "encoding", "", "payload encoding: json or cbor")
	flagSet.StringVar(&c.MetricsListen, "metrics-listen", "", "serve Prometheus metrics on this TCP address")
	flagSet.StringVar(&c.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	flagSet.StringVar(&c.LogFile, "log-file", "", "also write JSON logs to this file, rotated")
	flagSet.BoolVar(&c.Version, "version", false, "print version and exit")
}

// Load reads the configuration (from --config, else CELL_CONFIG, else
// defaults) and applies the common flag overrides. The result is not
// yet validated; callers apply their own flags first.
func (c *Common) Load() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if c.ConfigPath != "" {
		cfg, err = config.LoadFile(c.ConfigPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	overrides := []struct {
		value string
		field *string
	}{
		{c.SocketDir, &cfg.Cell.SocketDir},
		{c.ByteOrder, &cfg.Dialect.ByteOrder},
		{c.Encoding, &cfg.Dialect.Encoding},
		{c.MetricsListen, &cfg.Metrics.Listen},
		{c.LogLevel, &cfg.Log.Level},
		{c.LogFile, &cfg.Log.File},
	}
	for _, override := range overrides {
		if override.value != "" {
			*override.field = override.value
		}
	}
	return cfg, nil
}

// Runtime is what Start builds from a validated configuration.
type Runtime struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	logCloser   io.Closer
	metricsDone chan error
	metricsAddr string
}

// Start builds the logger and, when cfg.Metrics.Listen is set, starts
// the metrics server in the background until ctx is cancelled. Close
// the Runtime before exiting.
func Start(ctx context.Context, cfg *config.Config, component string) (*Runtime, error) {
	logger, closer, err := logging.New(cfg.Log.Options())
	if err != nil {
		return nil, err
	}
	runtime := &Runtime{
		Logger:    logger.With("component", component),
		Metrics:   metrics.New(),
		logCloser: closer,
	}
	runtime.Logger.Debug("starting", "version", version.Short(), "environment", string(cfg.Environment))

	if cfg.Metrics.Listen != "" {
		server := metrics.NewServer(cfg.Metrics.Listen, runtime.Metrics, runtime.Logger)
		runtime.metricsDone = make(chan error, 1)
		go func() {
			runtime.metricsDone <- server.Serve(ctx)
		}()
		select {
		case <-server.Ready():
			runtime.metricsAddr = server.Addr().String()
		case err := <-runtime.metricsDone:
			closer.Close()
			return nil, fmt.Errorf("metrics: %w", err)
		}
	}
	return runtime, nil
}

// Close waits for the metrics server (whose context the caller has
// cancelled) and closes the log file.
func (r *Runtime) Close() error {
	var err error
	if r.metricsDone != nil {
		err = <-r.metricsDone
	}
	if closeErr := r.logCloser.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// ParseRoutes converts repeated --route name=path flags into a route
// map.
func ParseRoutes(values []string) (map[string]string, error) {
	routes := make(map[string]string, len(values))
	for _, value := range values {
		name, path, ok := strings.Cut(value, "=")
		name, path = strings.TrimSpace(name), strings.TrimSpace(path)
		if !ok || name == "" || path == "" {
			return nil, fmt.Errorf("invalid route %q (want name=/path/to/socket)", value)
		}
		if _, duplicate := routes[name]; duplicate {
			return nil, fmt.Errorf("route %q given more than once", name)
		}
		routes[name] = path
	}
	return routes, nil
}
