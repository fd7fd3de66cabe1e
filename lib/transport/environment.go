// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Environment variables read by FromEnvironment.
const (
	EnvSocketFD   = "CELL_SOCKET_FD"
	EnvSocketPath = "CELL_SOCKET_PATH"
	EnvSocketDir  = "CELL_SOCKET_DIR"
)

// DefaultSocketDir is where self-managed sockets live when no
// directory is configured.
const DefaultSocketDir = "/tmp/cell"

// FromEnvironment builds a Config for identity from the process
// environment. CELL_SOCKET_FD selects inherited mode; otherwise
// CELL_SOCKET_PATH or CELL_SOCKET_DIR (default /tmp/cell) locate the
// self-managed socket.
func FromEnvironment(identity string) (Config, error) {
	cfg := Config{
		Identity:   identity,
		SocketPath: os.Getenv(EnvSocketPath),
		SocketDir:  os.Getenv(EnvSocketDir),
	}
	if cfg.SocketDir == "" {
		cfg.SocketDir = DefaultSocketDir
	}

	if value := os.Getenv(EnvSocketFD); value != "" {
		file, err := InheritedFile(value)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", EnvSocketFD, err)
		}
		cfg.Inherited = file
	}
	return cfg, nil
}

// InheritedFile wraps a descriptor number passed by a supervisor.
func InheritedFile(value string) (*os.File, error) {
	fd, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("invalid file descriptor %q", value)
	}
	if fd < 0 {
		return nil, fmt.Errorf("invalid file descriptor %d", fd)
	}
	file := os.NewFile(uintptr(fd), "inherited-socket")
	if file == nil {
		return nil, fmt.Errorf("file descriptor %d is not available", fd)
	}
	return file, nil
}

// SocketPath returns <dir>/<identity>.sock after validating identity.
func SocketPath(dir, identity string) (string, error) {
	if err := ValidateIdentity(identity); err != nil {
		return "", err
	}
	return filepath.Join(dir, identity+".sock"), nil
}

// ValidateIdentity checks that identity can name a socket file.
func ValidateIdentity(identity string) error {
	switch {
	case identity == "":
		return errors.New("cell identity is required")
	case identity == "." || identity == "..":
		return fmt.Errorf("invalid cell identity %q", identity)
	case strings.ContainsAny(identity, "/\x00"):
		return fmt.Errorf("cell identity %q must not contain path separators or NUL", identity)
	}
	return nil
}
