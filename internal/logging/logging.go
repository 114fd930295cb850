// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging provides the structured logger used across the data
// plane: a slog.Logger wrapper with process-wide defaults and an optional
// syslog sink for deployments that centralize logs off-box.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

// Level mirrors slog.Level with the names used in configuration files.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Logger is a thin wrapper around *slog.Logger. It exists so call sites
// write logging.Default().Info("msg", "key", val) instead of importing
// log/slog directly, keeping the handler and sink choice centralized.
type Logger struct {
	*slog.Logger
}

// New builds a Logger writing to w at the given level. Format is "text"
// or "json"; any other value falls back to "text".
func New(w io.Writer, level Level, format string) *Logger {
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return &Logger{Logger: slog.New(h)}
}

// With returns a Logger that prepends the given key/value pairs to every
// subsequent record, matching slog.Logger.With's signature.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// WithContext is a convenience for handlers that attach request-scoped
// attributes via context; the data plane does not propagate a context
// through the packet path, so this simply returns the receiver unless a
// deadline is present, in which case it is logged as an attribute.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if dl, ok := ctx.Deadline(); ok {
		return l.With("deadline", dl)
	}
	return l
}

var (
	defaultLogger atomic.Pointer[Logger]
	defaultOnce   sync.Once
)

func init() {
	defaultLogger.Store(New(os.Stderr, LevelInfo, "text"))
}

// Default returns the process-wide logger. SetDefault replaces it.
func Default() *Logger {
	return defaultLogger.Load()
}

// SetDefault replaces the process-wide logger, for example after reading
// the configured log level and an optional syslog sink at startup.
func SetDefault(l *Logger) {
	defaultLogger.Store(l)
}

// multiHandler fans a record out to several handlers, used to log to
// stderr and a syslog writer simultaneously.
type multiHandler struct {
	handlers []slog.Handler
}

func newMultiHandler(handlers ...slog.Handler) slog.Handler {
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

// NewWithSyslog builds a Logger that writes to both w and a syslog sink,
// used when SyslogConfig.Enabled is true.
func NewWithSyslog(w io.Writer, level Level, format string, syslogWriter io.Writer) *Logger {
	opts := &slog.HandlerOptions{Level: level}
	var primary slog.Handler
	if format == "json" {
		primary = slog.NewJSONHandler(w, opts)
	} else {
		primary = slog.NewTextHandler(w, opts)
	}
	secondary := slog.NewTextHandler(syslogWriter, opts)
	return &Logger{Logger: slog.New(newMultiHandler(primary, secondary))}
}
