// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package mpi

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LevelFromFlags returns the [slog.Level] for the usual verbosity flags:
//   - vv: [slog.LevelDebug]
//   - v: [slog.LevelInfo]
//   - q: [slog.LevelError]
//   - (default: [slog.LevelWarn])
func LevelFromFlags(vv, v, q bool) slog.Level {
	switch {
	case vv:
		return slog.LevelDebug
	case v:
		return slog.LevelInfo
	case q:
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// ParseLevel maps "debug", "info", "warn" and "error" to a level; anything
// else is warn.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// NewLogger returns a text logger on w at the given level
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func defaultLogger(level string) *slog.Logger {
	return NewLogger(os.Stderr, ParseLevel(level))
}

// Printf prints on rank 0 only
func (c *Comm) Printf(format string, args ...any) {
	if c.Rank() != 0 {
		return
	}
	fmt.Printf(format, args...)
}

// AllPrintf prints on every rank, prefixed with the rank
func (c *Comm) AllPrintf(format string, args ...any) {
	fmt.Printf(fmt.Sprintf("P%d: ", c.Rank())+format, args...)
}
