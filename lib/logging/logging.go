// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package logging constructs the structured logger for cell binaries.
//
// Output goes to stderr: slog.TextHandler when stderr is a terminal,
// slog.JSONHandler otherwise. When a log file is configured, JSON
// records are additionally written there through a size-rotated
// lumberjack writer.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

// EnvLevel overrides the configured level when set.
const EnvLevel = "CELL_LOG_LEVEL"

// Format selects the handler.
type Format string

const (
	// FormatAuto picks text on a terminal and JSON otherwise.
	FormatAuto Format = ""
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Options configures New.
type Options struct {
	// Level is "debug", "info", "warn", or "error". Empty means info,
	// unless CELL_LOG_LEVEL is set.
	Level string

	// Format overrides terminal detection.
	Format Format

	// File, when set, receives a JSON copy of every record with
	// rotation at MaxSizeMB.
	File string

	// MaxSizeMB is the rotation threshold for File. Zero means 50.
	MaxSizeMB int

	// MaxBackups is how many rotated files to keep. Zero means 3.
	MaxBackups int

	// Output replaces stderr. Terminal detection only applies to
	// *os.File outputs.
	Output io.Writer
}

// New builds a logger and installs it as the slog default. The
// returned Closer flushes and closes the log file, if any.
func New(options Options) (*slog.Logger, io.Closer, error) {
	levelName := options.Level
	if env := os.Getenv(EnvLevel); env != "" {
		levelName = env
	}
	level, err := ParseLevel(levelName)
	if err != nil {
		return nil, nil, err
	}

	output := options.Output
	if output == nil {
		output = os.Stderr
	}

	format := options.Format
	if format == FormatAuto {
		format = FormatJSON
		if file, ok := output.(*os.File); ok && term.IsTerminal(int(file.Fd())) {
			format = FormatText
		}
	}

	var closer io.Closer = nopCloser{}
	handlerOptions := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch format {
	case FormatText:
		handler = slog.NewTextHandler(output, handlerOptions)
	case FormatJSON:
		handler = slog.NewJSONHandler(output, handlerOptions)
	default:
		return nil, nil, fmt.Errorf("unknown log format %q (want json or text)", format)
	}

	if options.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   options.File,
			MaxSize:    orDefault(options.MaxSizeMB, 50),
			MaxBackups: orDefault(options.MaxBackups, 3),
			MaxAge:     7,
		}
		closer = rotating
		handler = fanout{handler, slog.NewJSONHandler(rotating, handlerOptions)}
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, closer, nil
}

// ParseLevel maps a level name to a slog.Level. The empty string is
// info.
func ParseLevel(name string) (slog.Level, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", name, err)
	}
	return level, nil
}

// Discard returns a logger that drops everything. Tests and library
// defaults use it where slog.Default() would be noise.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func orDefault(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
