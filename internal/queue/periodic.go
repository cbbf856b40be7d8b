package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule creates a new run of a task every time its cron expression fires.
// A schedule never stacks runs: while its previous run is unfinished the
// firing is skipped.
type Schedule struct {
	Name      string     `db:"name"`
	CronExpr  string     `db:"cron_expr"`
	TaskName  string     `db:"task_name"`
	Input     []byte     `db:"input"`
	Enabled   bool       `db:"enabled"`
	LastRunAt *time.Time `db:"last_run_at"`
	NextRunAt time.Time  `db:"next_run_at"`
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NextFire returns the first time expr fires strictly after after.
func NextFire(expr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched.Next(after), nil
}

// EnqueueDueSchedules creates runs for every enabled schedule whose next fire
// time has passed and moves the schedule to its following fire time.
// It returns the number of runs created.
func (s *Service) EnqueueDueSchedules(ctx context.Context) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT name, cron_expr, task_name, input, next_run_at
		FROM maintenance_schedules
		WHERE enabled = TRUE AND next_run_at <= NOW()
		FOR UPDATE SKIP LOCKED
	`)
	if err != nil {
		return 0, err
	}
	var due []Schedule
	for rows.Next() {
		var sc Schedule
		if err := rows.Scan(&sc.Name, &sc.CronExpr, &sc.TaskName, &sc.Input, &sc.NextRunAt); err != nil {
			rows.Close()
			return 0, err
		}
		due = append(due, sc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	created := 0
	now := time.Now()
	for _, sc := range due {
		tag, err := tx.Exec(ctx, `
			INSERT INTO maintenance_runs (task_name, status, input, schedule_name)
			VALUES ($1, 'enqueued', $2, $3)
			ON CONFLICT (schedule_name)
				WHERE schedule_name IS NOT NULL AND status NOT IN ('succeeded', 'cancelled', 'errored')
			DO NOTHING
		`, sc.TaskName, sc.Input, sc.Name)
		if err != nil {
			return 0, fmt.Errorf("enqueue schedule %s: %w", sc.Name, err)
		}
		created += int(tag.RowsAffected())

		next, err := NextFire(sc.CronExpr, now)
		if err != nil {
			return 0, fmt.Errorf("schedule %s: %w", sc.Name, err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE maintenance_schedules
			SET last_run_at = next_run_at,
			    next_run_at = $1,
			    updated_at = NOW()
			WHERE name = $2
		`, next, sc.Name); err != nil {
			return 0, fmt.Errorf("advance schedule %s: %w", sc.Name, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return created, nil
}

// UpsertSchedule creates or replaces a schedule. The next fire time is
// computed from now.
func (s *Service) UpsertSchedule(ctx context.Context, sc Schedule) error {
	next, err := NextFire(sc.CronExpr, time.Now())
	if err != nil {
		return err
	}
	query := `
		INSERT INTO maintenance_schedules (name, cron_expr, task_name, input, enabled, next_run_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE
		SET cron_expr = EXCLUDED.cron_expr,
		    task_name = EXCLUDED.task_name,
		    input = EXCLUDED.input,
		    enabled = EXCLUDED.enabled,
		    next_run_at = EXCLUDED.next_run_at,
		    updated_at = NOW()
	`
	_, err = s.pool.Exec(ctx, query, sc.Name, sc.CronExpr, sc.TaskName, sc.Input, sc.Enabled, next)
	return err
}

func (s *Service) ListSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, cron_expr, task_name, enabled, last_run_at, next_run_at
		FROM maintenance_schedules
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		var sc Schedule
		if err := rows.Scan(&sc.Name, &sc.CronExpr, &sc.TaskName, &sc.Enabled, &sc.LastRunAt, &sc.NextRunAt); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *Service) DeleteSchedule(ctx context.Context, name string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM maintenance_schedules WHERE name = $1`, name)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
