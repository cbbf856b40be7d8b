package runner

import (
	"context"
	"log/slog"

	"maintenance-worker/internal/run"
)

// ErrorContext describes where a run failed.
type ErrorContext struct {
	RunID    int64
	TaskName string
	Run      *run.Run
	// Item is the element being processed when the task failed, or nil when
	// the failure happened outside Process.
	Item    any
	Failure run.Failure
}

// ErrorReporter is told about every run that becomes errored, exactly once.
type ErrorReporter interface {
	Report(ctx context.Context, ec ErrorContext, err error)
}

type ReporterFunc func(ctx context.Context, ec ErrorContext, err error)

func (f ReporterFunc) Report(ctx context.Context, ec ErrorContext, err error) {
	f(ctx, ec, err)
}

// LogReporter writes the failure to a structured logger.
type LogReporter struct {
	Logger *slog.Logger
}

func (l LogReporter) Report(ctx context.Context, ec ErrorContext, err error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.ErrorContext(ctx, "Maintenance run errored",
		"run_id", ec.RunID,
		"task", ec.TaskName,
		"error_class", ec.Failure.Class,
		"error", err,
	)
}
