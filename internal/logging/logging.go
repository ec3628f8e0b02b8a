// Package logging provides helpers for structured logging across the
// coordinator.
//
// Loggers are dependency-injected, never global: the base handler is built
// in main(), and every component scopes its own logger once at construction
// with slog.With. Components that are handed a nil logger fall back to a
// discard logger, so logging is always optional in tests.
//
// Logging is intentionally sparse. Lifecycle boundaries, placement
// decisions and heal/reap outcomes are the intended log points; nothing
// logs per byte or per record.
package logging

import (
	"context"
	"log/slog"
)

// discardHandler drops every record.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that discards all output.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns the provided logger if non-nil, otherwise a discard
// logger. This is the standard pattern for optional logger parameters:
//
//	func NewRegistry(logger *slog.Logger) *Registry {
//	    logger = logging.Default(logger)
//	    return &Registry{logger: logger.With("component", "device")}
//	}
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}
