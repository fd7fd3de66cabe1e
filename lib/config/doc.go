// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for cell binaries.
//
// Configuration is loaded from a single file named by the --config
// flag (via [LoadFile]) or the CELL_CONFIG environment variable (via
// [Load]). There is no search path and no ~/.config discovery. When
// neither is set, [Load] returns [Default] with the environment
// overlay applied, so a cell started by a supervisor that only passes
// CELL_SOCKET_FD needs no file at all.
//
// After the file is parsed, the environment-specific section
// (development, staging, production) is applied, the launcher-facing
// environment variables are overlaid, and finally ${VAR} and
// ${VAR:-default} patterns in path fields are expanded. The overlay:
//
//	CELL_IDENTITY      cell.identity
//	CELL_SOCKET_DIR    cell.socket_dir
//	CELL_SOCKET_PATH   cell.socket_path
//	CELL_GOLGI_SOCK    broker.socket_path
//	CELL_BYTE_ORDER    dialect.byte_order
//	CELL_ENCODING      dialect.encoding
//
// CELL_SOCKET_FD is process state rather than configuration and is read
// by lib/transport when [CellConfig.Transport] builds the bootstrap
// config.
//
// Key exports:
//
//   - [Config] -- master struct with Cell, Broker, Dialect, Log, Metrics
//   - [Default] -- a Config with the built-in defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
package config
