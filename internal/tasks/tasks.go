// Package tasks holds the maintenance tasks shipped with the worker binary.
package tasks

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"maintenance-worker/internal/queue"
	"maintenance-worker/internal/task"
)

// DB is the Postgres access the database-backed tasks need. *pgxpool.Pool
// satisfies it.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ScheduleLister is the part of the queue the schedule audit reads.
type ScheduleLister interface {
	ListSchedules(ctx context.Context) ([]queue.Schedule, error)
}

type Deps struct {
	Logger *slog.Logger
	// DB and Schedules are nil when the worker runs without Postgres; the
	// tasks that need them are not registered then.
	DB        DB
	Schedules ScheduleLister
}

// Register adds the built-in tasks to reg under its namespace.
func Register(reg *task.Registry, deps Deps) error {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	factories := map[string]task.Factory{
		"Echo":    func() task.Task { return &Echo{logger: logger} },
		"CSVRows": func() task.Task { return &CSVRows{logger: logger} },
	}
	if deps.DB != nil {
		factories["PurgeRuns"] = func() task.Task { return NewPurgeRuns(deps.DB, logger) }
	}
	if deps.Schedules != nil {
		factories["ScheduleAudit"] = func() task.Task { return &ScheduleAudit{schedules: deps.Schedules, logger: logger} }
	}

	for name, factory := range factories {
		if err := reg.Register(reg.Qualify(name), factory); err != nil {
			return err
		}
	}
	return nil
}
