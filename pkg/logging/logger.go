// Copyright (C) 2025 Aidamatic (dev@aidamatic.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for aida components.
//
// Built on the standard library slog package, with a fan-out handler so
// a single Logger can write to the console and a per-service log file at
// the same time.
//
// # Basic Usage
//
//	logger := logging.Default("cli")
//	logger.Info("bootstrap started", "timeout", timeout)
//	logger.Error("probe failed", "url", url, "error", err)
//
// # File Logging
//
//	logger := logging.New(logging.Config{
//	    Level:   "info",
//	    LogDir:  ".aida/logs",
//	    Service: "bridge",
//	})
//	defer logger.Close()
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Config controls logger construction.
type Config struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string

	// Service tags every record and names the log file.
	Service string

	// LogDir, when non-empty, adds a JSON file destination
	// <LogDir>/<Service>.log alongside the console handler.
	LogDir string

	// JSON switches the console handler to JSON output.
	JSON bool

	// Quiet drops the console handler entirely (file-only, or discard
	// when LogDir is also empty). Used by commands that own stdout.
	Quiet bool

	// ConsoleWriter overrides the console destination. Defaults to
	// os.Stderr. Tests point this at a buffer.
	ConsoleWriter io.Writer
}

// Logger wraps slog.Logger together with the file handle it may own.
type Logger struct {
	*slog.Logger

	mu   sync.Mutex
	file *os.File
}

// ParseLevel maps a config string to a slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// New builds a Logger from cfg. Console-only configurations never fail;
// a file destination that cannot be opened degrades to console-only
// with a warning on stderr rather than an error.
func New(cfg Config) *Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var handlers []slog.Handler
	if !cfg.Quiet {
		w := cfg.ConsoleWriter
		if w == nil {
			w = os.Stderr
		}
		if cfg.JSON {
			handlers = append(handlers, slog.NewJSONHandler(w, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(w, opts))
		}
	}

	var file *os.File
	if cfg.LogDir != "" {
		name := cfg.Service
		if name == "" {
			name = "aida"
		}
		path := filepath.Join(cfg.LogDir, name+".log")
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "logging: cannot create %s: %v\n", cfg.LogDir, err)
		} else if f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "logging: cannot open %s: %v\n", path, err)
		} else {
			file = f
			handlers = append(handlers, slog.NewJSONHandler(f, opts))
		}
	}

	var h slog.Handler
	switch len(handlers) {
	case 0:
		h = slog.NewTextHandler(io.Discard, opts)
	case 1:
		h = handlers[0]
	default:
		h = newMultiHandler(handlers...)
	}

	l := slog.New(h)
	if cfg.Service != "" {
		l = l.With("service", cfg.Service)
	}
	return &Logger{Logger: l, file: file}
}

// Default returns a console-only info-level logger for the given service.
func Default(service string) *Logger {
	return New(Config{Service: service})
}

// Close releases the file destination, if any. Safe to call twice.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// With returns a Logger carrying additional attributes. The file handle
// stays owned by the parent; only the parent's Close releases it.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// =============================================================================
// Multi-destination handler
// =============================================================================

// multiHandler fans each record out to every wrapped handler.
type multiHandler struct {
	handlers []slog.Handler
}

func newMultiHandler(handlers ...slog.Handler) *multiHandler {
	return &multiHandler{handlers: handlers}
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range m.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: next}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: next}
}

var _ slog.Handler = (*multiHandler)(nil)

// Timestamp returns the RFC 3339 UTC form used in persisted records.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
