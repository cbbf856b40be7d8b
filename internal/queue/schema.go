package queue

import (
	"context"
	"fmt"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS maintenance_runs (
		id BIGSERIAL PRIMARY KEY,
		task_name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'enqueued',
		cursor TEXT,
		tick_count BIGINT NOT NULL DEFAULT 0,
		tick_total BIGINT,
		time_running DOUBLE PRECISION NOT NULL DEFAULT 0,
		job_id TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMPTZ,
		ended_at TIMESTAMPTZ,
		error_class TEXT,
		error_message TEXT,
		backtrace TEXT,
		input BYTEA,
		schedule_name TEXT,
		run_after TIMESTAMPTZ,
		leased_by TEXT,
		leased_until TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT maintenance_runs_status_check CHECK (status IN (
			'enqueued', 'running', 'pausing', 'paused', 'cancelling',
			'cancelled', 'interrupted', 'succeeded', 'errored'
		)),
		CONSTRAINT maintenance_runs_ticks_check CHECK (tick_total IS NULL OR tick_count <= tick_total)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_maintenance_runs_claim
		ON maintenance_runs (status, run_after)
		WHERE leased_by IS NULL`,
	`CREATE INDEX IF NOT EXISTS idx_maintenance_runs_lease
		ON maintenance_runs (leased_until)
		WHERE leased_by IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_maintenance_runs_task
		ON maintenance_runs (task_name, created_at DESC)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_maintenance_runs_schedule_active
		ON maintenance_runs (schedule_name)
		WHERE schedule_name IS NOT NULL AND status NOT IN ('succeeded', 'cancelled', 'errored')`,
	`CREATE TABLE IF NOT EXISTS maintenance_schedules (
		name TEXT PRIMARY KEY,
		cron_expr TEXT NOT NULL,
		task_name TEXT NOT NULL,
		input BYTEA,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		last_run_at TIMESTAMPTZ,
		next_run_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// Migrate creates the tables the worker needs. It is safe to run repeatedly.
func (s *Service) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}
