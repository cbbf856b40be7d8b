// Package logging configures the process-wide JSON logger.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

const envLevel = "MAINT_LOG_LEVEL"

func Init(workerID string) *slog.Logger {
	logger := New(os.Stdout, workerID, ParseLevel(os.Getenv(envLevel)))
	slog.SetDefault(logger)
	return logger
}

// New returns a JSON logger that scrubs sensitive attributes and tags records
// logged with a traced context with the active trace and span ids.
func New(w io.Writer, workerID string, level slog.Leveler) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: scrub,
	})
	logger := slog.New(spanHandler{Handler: handler})
	if workerID != "" {
		logger = logger.With("worker_id", workerID)
	}
	return logger
}

// ParseLevel maps debug/info/warn/error to a level, defaulting to info.
func ParseLevel(value string) slog.Level {
	var level slog.Level
	switch v := strings.ToLower(strings.TrimSpace(value)); v {
	case "warning":
		return slog.LevelWarn
	case "":
		return slog.LevelInfo
	default:
		if err := level.UnmarshalText([]byte(v)); err != nil {
			return slog.LevelInfo
		}
		return level
	}
}

type spanHandler struct {
	slog.Handler
}

func (h spanHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r = r.Clone()
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.Handler.Handle(ctx, r)
}

func (h spanHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return spanHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h spanHandler) WithGroup(name string) slog.Handler {
	return spanHandler{Handler: h.Handler.WithGroup(name)}
}
