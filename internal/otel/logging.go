package otel

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
)

// fanoutHandler dispatches every record to each of its handlers, so a
// single logger can write human-readable JSON to stdout (for container
// log collection) and OTel log records (for the collector configured by
// Setup) at the same time.
type fanoutHandler struct {
	handlers []slog.Handler
}

func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var firstErr error
	for _, h := range f.handlers {
		if !h.Enabled(ctx, record.Level) {
			continue
		}
		if err := h.Handle(ctx, record.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return fanoutHandler{handlers: next}
}

func (f fanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithGroup(name)
	}
	return fanoutHandler{handlers: next}
}

// NewLogger returns a logger that writes JSON to stdout and, once Setup
// has installed a global OTel logger provider, also emits OTel log
// records under the given component name (grounded on humus.Logger,
// which returns an otelslog.NewLogger alone; this pipeline keeps stdout
// output too since operators expect container logs regardless of
// whether a collector endpoint was configured).
func NewLogger(component string) *slog.Logger {
	stdout := slog.NewJSONHandler(os.Stdout, nil)
	otelHandler := otelslog.NewHandler(component)
	return slog.New(fanoutHandler{handlers: []slog.Handler{stdout, otelHandler}}).With(slog.String("component", component))
}
