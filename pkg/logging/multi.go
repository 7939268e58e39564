package logging

import (
	"context"
	"errors"
	"log/slog"
	"slices"
)

// MultiHandler is a slog.Handler that fans records out to several
// handlers, typically a console handler plus a file or Loki handler.
// Nil entries are dropped at construction, which lets callers pass
// optional sinks without checking.
type MultiHandler struct {
	targets []slog.Handler
}

var _ slog.Handler = (*MultiHandler)(nil)

// NewMultiHandler creates a handler that writes to every non-nil target.
func NewMultiHandler(targets ...slog.Handler) *MultiHandler {
	kept := make([]slog.Handler, 0, len(targets))
	for _, t := range targets {
		if t != nil {
			kept = append(kept, t)
		}
	}
	return &MultiHandler{targets: kept}
}

// Enabled reports whether at least one target wants the level.
func (h *MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return slices.ContainsFunc(h.targets, func(t slog.Handler) bool {
		return t.Enabled(ctx, level)
	})
}

// Handle writes the record to every target enabled for its level. A
// failing target does not stop the others; the errors are joined.
func (h *MultiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, t := range h.targets {
		if !t.Enabled(ctx, r.Level) {
			continue
		}
		if err := t.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WithAttrs applies the attributes to every target.
func (h *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.apply(func(t slog.Handler) slog.Handler { return t.WithAttrs(attrs) })
}

// WithGroup opens the group on every target.
func (h *MultiHandler) WithGroup(name string) slog.Handler {
	return h.apply(func(t slog.Handler) slog.Handler { return t.WithGroup(name) })
}

func (h *MultiHandler) apply(fn func(slog.Handler) slog.Handler) *MultiHandler {
	targets := make([]slog.Handler, len(h.targets))
	for i, t := range h.targets {
		targets[i] = fn(t)
	}
	return &MultiHandler{targets: targets}
}
