// Copyright (C) 2025 Harborlight Labs (oss@harborlight.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging configures the process-wide slog logger.
//
// Output goes to stdout by default. Setting LOG_FILE mirrors every
// record to the named file as well, creating parent directories as
// needed.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Setup installs the default logger. Level comes from LOG_LEVEL
// (debug, info, warn, error; default info), format from LOG_FORMAT
// (json or text; default json), and an optional mirror file from
// LOG_FILE.
func Setup() *slog.Logger {
	out := io.Writer(os.Stdout)
	if path := os.Getenv("LOG_FILE"); path != "" {
		file, err := openLogFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "log file unavailable, using stdout only: %v\n", err)
		} else {
			out = io.MultiWriter(os.Stdout, file)
		}
	}

	logger := slog.New(newHandler(out, os.Getenv("LOG_FORMAT"), parseLevel(os.Getenv("LOG_LEVEL"))))
	slog.SetDefault(logger)
	return logger
}

func newHandler(out io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(out, opts)
	}
	return slog.NewJSONHandler(out, opts)
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
