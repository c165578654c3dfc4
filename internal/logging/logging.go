// Package logging provides the structured JSON logger for Relay.
//
// Every record is emitted as one JSON line. The handler stamps the ambient
// execution trace id when one is present in the context, and applies a
// redaction pass over every string value so secret-shaped material (bearer
// headers, provider tokens, password-named fields) never reaches the log
// sink in clear text. Redaction keeps a short tail fingerprint so operators
// can still correlate a leaked-looking value with its source.
package logging

import (
	"context"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/runrelay/relay/internal/ctxutil"
)

// New creates a JSON logger writing to w at the given level, with trace id
// stamping and secret redaction applied to every record.
func New(w io.Writer, level slog.Leveler) *slog.Logger {
	inner := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(&handler{inner: inner})
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type handler struct {
	inner slog.Handler
}

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle redacts the record and forwards it. Logging must never crash the
// caller, so any panic from malformed attribute values is swallowed.
func (h *handler) Handle(ctx context.Context, rec slog.Record) (err error) {
	defer func() {
		if recover() != nil {
			err = nil
		}
	}()

	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)

	hasTraceID := false
	rec.Attrs(func(a slog.Attr) bool {
		if a.Key == "trace_id" {
			hasTraceID = true
		}
		out.AddAttrs(redactAttr(a))
		return true
	})

	if !hasTraceID {
		if tid := ctxutil.TraceIDFromContext(ctx); tid != uuid.Nil {
			out.AddAttrs(slog.String("trace_id", tid.String()))
		}
	}

	return h.inner.Handle(ctx, out)
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redacted[i] = redactAttr(a)
	}
	return &handler{inner: h.inner.WithAttrs(redacted)}
}

func (h *handler) WithGroup(name string) slog.Handler {
	return &handler{inner: h.inner.WithGroup(name)}
}

func redactAttr(a slog.Attr) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, RedactField(a.Key, a.Value.String()))
	case slog.KindGroup:
		group := a.Value.Group()
		redacted := make([]slog.Attr, len(group))
		for i, g := range group {
			redacted[i] = redactAttr(g)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(redacted...)}
	case slog.KindAny:
		// Errors and arbitrary values are stringified before redaction so a
		// wrapped error cannot smuggle a token past the string pass.
		if v, ok := a.Value.Any().(error); ok && v != nil {
			return slog.String(a.Key, Redact(v.Error()))
		}
		return a
	default:
		return a
	}
}
