// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/cell/lib/codec"
	"github.com/bureau-foundation/cell/lib/frame"
	"github.com/bureau-foundation/cell/lib/logging"
	"github.com/bureau-foundation/cell/lib/transport"
)

// EnvConfig names the configuration file when --config is not given.
const EnvConfig = "CELL_CONFIG"

// Environment variables overlaid onto the loaded configuration.
const (
	EnvIdentity   = "CELL_IDENTITY"
	EnvBrokerSock = "CELL_GOLGI_SOCK"
	EnvByteOrder  = "CELL_BYTE_ORDER"
	EnvEncoding   = "CELL_ENCODING"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the master configuration for cell binaries.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	// Cell configures the serving side: identity and listening socket.
	Cell CellConfig `yaml:"cell"`

	// Broker configures the routing process and how callers reach it.
	Broker BrokerConfig `yaml:"broker"`

	// Dialect is the deployment-wide wire agreement. Every cell and
	// caller in a deployment must use the same values.
	Dialect DialectConfig `yaml:"dialect"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`

	// Per-environment overrides, applied after the base config.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Log     *LogConfig     `yaml:"log,omitempty"`
	Metrics *MetricsConfig `yaml:"metrics,omitempty"`
}

// CellConfig configures a cell's listening socket and server loop.
type CellConfig struct {
	// Identity names the cell. The self-managed socket is
	// <socket_dir>/<identity>.sock.
	Identity string `yaml:"identity"`

	// SocketDir holds conventionally named cell sockets.
	// Default: /tmp/cell
	SocketDir string `yaml:"socket_dir"`

	// SocketPath overrides the conventional path.
	SocketPath string `yaml:"socket_path"`

	// Backlog is the listen backlog. Default: 128
	Backlog int `yaml:"backlog"`

	// Serial serves one conversation at a time.
	Serial bool `yaml:"serial"`

	// ReadTimeout bounds the wait for each request. Zero waits
	// forever.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout bounds writing each response. Zero waits forever.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// ShutdownGrace bounds how long Stop waits for in-flight handlers.
	// Zero waits for them to finish.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// BrokerConfig configures the broker process and brokered callers.
type BrokerConfig struct {
	// SocketPath is where the broker listens and where callers dial
	// it. Default: ${CELL_SOCKET_DIR:-/tmp/cell}/golgi.sock
	SocketPath string `yaml:"socket_path"`

	// Routes maps target identities to explicit socket paths. Targets
	// not listed resolve to <cell.socket_dir>/<target>.sock.
	Routes map[string]string `yaml:"routes"`

	// HandshakeTimeout bounds how long a caller may take to name its
	// target. Default: 5s
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// DialTimeout bounds connecting to a target. Default: 5s
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// DialectConfig is the deployment's wire agreement.
type DialectConfig struct {
	// ByteOrder of frame and handshake lengths: big or little.
	// Default: big
	ByteOrder string `yaml:"byte_order"`

	// Encoding of payloads: json or cbor. Default: json
	Encoding string `yaml:"encoding"`

	// MaxPayload bounds frame payloads in bytes. Zero means 16 MB.
	MaxPayload uint32 `yaml:"max_payload"`

	// Probe is a JSONC file describing the cell. When set the cell
	// answers capability probes; when empty the probe sentinel is an
	// ordinary (undecodable) request.
	Probe string `yaml:"probe"`
}

// LogConfig configures lib/logging.
type LogConfig struct {
	// Level is debug, info, warn, or error. Default: info
	Level string `yaml:"level"`

	// Format is json, text, or empty for terminal detection.
	Format string `yaml:"format"`

	// File receives a rotated JSON copy of every record.
	File string `yaml:"file"`

	// MaxSizeMB and MaxBackups control rotation of File.
	MaxSizeMB  int `yaml:"max_size_mb"`
	MaxBackups int `yaml:"max_backups"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the TCP address serving /metrics. Empty disables it.
	Listen string `yaml:"listen"`
}

// Default returns the default configuration. Path fields still carry
// ${VAR:-default} patterns; LoadFile and Load expand them.
func Default() *Config {
	return &Config{
		Environment: Development,
		Cell: CellConfig{
			SocketDir: "${CELL_SOCKET_DIR:-" + transport.DefaultSocketDir + "}",
			Backlog:   transport.DefaultBacklog,
		},
		Broker: BrokerConfig{
			SocketPath:       "${CELL_SOCKET_DIR:-" + transport.DefaultSocketDir + "}/golgi.sock",
			HandshakeTimeout: 5 * time.Second,
			DialTimeout:      5 * time.Second,
		},
		Dialect: DialectConfig{
			ByteOrder: "big",
			Encoding:  string(codec.JSON),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from the file named by CELL_CONFIG. When
// CELL_CONFIG is unset it returns the defaults with the environment
// overlay applied.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvConfig)
	if configPath == "" {
		cfg := Default()
		cfg.finish()
		return cfg, nil
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.finish()
	return cfg, nil
}

// finish applies environment sections, the environment overlay, and
// variable expansion, in that order.
func (c *Config) finish() {
	c.applyEnvironmentOverrides()
	c.applyEnvironmentVariables()
	c.expandVariables()
}

// applyEnvironmentOverrides applies the environment-specific section.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		// Production defaults: machine-readable logs.
		if overrides == nil {
			overrides = &ConfigOverrides{
				Log: &LogConfig{Format: string(logging.FormatJSON)},
			}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.Log != nil {
		if overrides.Log.Level != "" {
			c.Log.Level = overrides.Log.Level
		}
		if overrides.Log.Format != "" {
			c.Log.Format = overrides.Log.Format
		}
		if overrides.Log.File != "" {
			c.Log.File = overrides.Log.File
		}
		if overrides.Log.MaxSizeMB != 0 {
			c.Log.MaxSizeMB = overrides.Log.MaxSizeMB
		}
		if overrides.Log.MaxBackups != 0 {
			c.Log.MaxBackups = overrides.Log.MaxBackups
		}
	}

	if overrides.Metrics != nil && overrides.Metrics.Listen != "" {
		c.Metrics.Listen = overrides.Metrics.Listen
	}
}

// applyEnvironmentVariables overlays the launcher-facing variables.
// A supervisor that starts cells communicates through these, so they
// win over the file.
func (c *Config) applyEnvironmentVariables() {
	overlay := []struct {
		name  string
		field *string
	}{
		{EnvIdentity, &c.Cell.Identity},
		{transport.EnvSocketDir, &c.Cell.SocketDir},
		{transport.EnvSocketPath, &c.Cell.SocketPath},
		{EnvBrokerSock, &c.Broker.SocketPath},
		{EnvByteOrder, &c.Dialect.ByteOrder},
		{EnvEncoding, &c.Dialect.Encoding},
	}
	for _, entry := range overlay {
		if value := os.Getenv(entry.name); value != "" {
			*entry.field = value
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Cell.SocketDir = expandVars(c.Cell.SocketDir, vars)
	vars[transport.EnvSocketDir] = c.Cell.SocketDir // Update for dependent paths.

	c.Cell.SocketPath = expandVars(c.Cell.SocketPath, vars)
	c.Broker.SocketPath = expandVars(c.Broker.SocketPath, vars)
	for target, path := range c.Broker.Routes {
		c.Broker.Routes[target] = expandVars(path, vars)
	}
	c.Dialect.Probe = expandVars(c.Dialect.Probe, vars)
	c.Log.File = expandVars(c.Log.File, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors. It does not require
// cell.identity; only binaries that serve a cell need one.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Cell.Identity != "" {
		if err := transport.ValidateIdentity(c.Cell.Identity); err != nil {
			errs = append(errs, fmt.Errorf("cell.identity: %w", err))
		}
	}
	if c.Cell.SocketDir == "" && c.Cell.SocketPath == "" {
		errs = append(errs, errors.New("cell.socket_dir or cell.socket_path is required"))
	}
	if c.Cell.Backlog < 0 {
		errs = append(errs, fmt.Errorf("cell.backlog must not be negative, got %d", c.Cell.Backlog))
	}
	for name, value := range map[string]time.Duration{
		"cell.read_timeout":        c.Cell.ReadTimeout,
		"cell.write_timeout":       c.Cell.WriteTimeout,
		"cell.shutdown_grace":      c.Cell.ShutdownGrace,
		"broker.handshake_timeout": c.Broker.HandshakeTimeout,
		"broker.dial_timeout":      c.Broker.DialTimeout,
	} {
		if value < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", name, value))
		}
	}

	if c.Broker.SocketPath == "" {
		errs = append(errs, errors.New("broker.socket_path is required"))
	}
	for target, path := range c.Broker.Routes {
		if err := transport.ValidateIdentity(target); err != nil {
			errs = append(errs, fmt.Errorf("broker.routes: %w", err))
		}
		if !filepath.IsAbs(path) {
			errs = append(errs, fmt.Errorf("broker.routes[%s]: socket path %q must be absolute", target, path))
		}
	}

	if _, err := frame.ParseByteOrder(c.Dialect.ByteOrder); err != nil {
		errs = append(errs, fmt.Errorf("dialect.byte_order: %w", err))
	}
	if _, err := codec.ParseEncoding(c.Dialect.Encoding); err != nil {
		errs = append(errs, fmt.Errorf("dialect.encoding: %w", err))
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch logging.Format(c.Log.Format) {
	case logging.FormatAuto, logging.FormatJSON, logging.FormatText:
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// FrameCodec returns the frame codec for the configured dialect.
func (d DialectConfig) FrameCodec() (frame.Codec, error) {
	order, err := frame.ParseByteOrder(d.ByteOrder)
	if err != nil {
		return frame.Codec{}, err
	}
	return frame.Codec{Order: order, MaxPayload: d.MaxPayload}, nil
}

// PayloadEncoding returns the configured payload encoding.
func (d DialectConfig) PayloadEncoding() (codec.Encoding, error) {
	return codec.ParseEncoding(d.Encoding)
}

// Transport builds the bootstrap config for this cell. An inherited
// descriptor in CELL_SOCKET_FD takes precedence over the socket paths.
func (c CellConfig) Transport() (transport.Config, error) {
	cfg, err := transport.FromEnvironment(c.Identity)
	if err != nil {
		return transport.Config{}, err
	}
	cfg.SocketDir = c.SocketDir
	cfg.SocketPath = c.SocketPath
	cfg.Backlog = c.Backlog
	return cfg, nil
}

// Options returns logging options for this config.
func (l LogConfig) Options() logging.Options {
	return logging.Options{
		Level:      l.Level,
		Format:     logging.Format(l.Format),
		File:       l.File,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
	}
}
