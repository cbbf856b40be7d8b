package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"maintenance-worker/internal/run"
)

const runColumns = `
	id, task_name, status, cursor, tick_count, tick_total, time_running,
	job_id, attempts, started_at, ended_at, error_class, error_message,
	backtrace, input, schedule_name, run_after, leased_by, leased_until,
	created_at, updated_at`

const nonTerminal = `status NOT IN ('succeeded', 'cancelled', 'errored')`

// Service is the Postgres store for maintenance runs. Every status change is a
// conditional UPDATE so concurrent operator requests and worker writes never
// move a run out of a terminal status.
type Service struct {
	pool *pgxpool.Pool
}

func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// Ping checks that the database is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanRun(row pgx.Row) (*run.Run, error) {
	var r run.Run
	var status string
	err := row.Scan(
		&r.ID, &r.TaskName, &status, &r.Cursor, &r.TickCount, &r.TickTotal, &r.TimeRunning,
		&r.JobID, &r.Attempts, &r.StartedAt, &r.EndedAt, &r.ErrorClass, &r.ErrorMessage,
		&r.Backtrace, &r.Input, &r.ScheduleName, &r.RunAfter, &r.LeasedBy, &r.LeasedUntil,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Status = run.Status(status)
	return &r, nil
}

func (s *Service) Create(ctx context.Context, nr NewRun) (*run.Run, error) {
	query := `
		INSERT INTO maintenance_runs (task_name, status, input, run_after, schedule_name)
		VALUES ($1, 'enqueued', $2, $3, $4)
		RETURNING ` + runColumns
	r, err := scanRun(s.pool.QueryRow(ctx, query, nr.TaskName, nr.Input, nr.RunAfter, nr.ScheduleName))
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return r, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*run.Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM maintenance_runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return r, nil
}

// List returns runs newest first. Input content is not loaded.
func (s *Service) List(ctx context.Context, opts ListOptions) ([]run.Run, error) {
	query := `
		SELECT ` + runColumns + `
		FROM maintenance_runs
		WHERE (cardinality($1::text[]) = 0 OR status = ANY($1::text[]))
		  AND ($2::text = '' OR task_name = $2::text)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`
	rows, err := s.pool.Query(ctx, query, statusStrings(opts.Statuses), opts.TaskName, opts.limit())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		r.Input = nil
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (s *Service) CountByStatus(ctx context.Context) (map[run.Status]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM maintenance_runs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[run.Status]int64, len(run.AllStatuses))
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[run.Status(status)] = n
	}
	return counts, rows.Err()
}

func (s *Service) ReloadStatus(ctx context.Context, id int64) (run.Status, error) {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM maintenance_runs WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrRunNotFound
		}
		return "", err
	}
	return run.Status(status), nil
}

// updateStatus runs a conditional status UPDATE returning the new status. When
// the condition excludes the row the current status is returned instead.
func (s *Service) updateStatus(ctx context.Context, id int64, query string, args ...any) (run.Status, bool, error) {
	var status string
	err := s.pool.QueryRow(ctx, query, args...).Scan(&status)
	if err == nil {
		return run.Status(status), true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", false, err
	}
	current, err := s.ReloadStatus(ctx, id)
	return current, false, err
}

// finishAttempt runs an UPDATE fenced on the attempt's job id. When no row
// matches, the run is either terminal, which is reported as its status, or
// owned by another attempt.
func (s *Service) finishAttempt(ctx context.Context, id int64, jobID, query string, args ...any) (run.Status, error) {
	var status string
	err := s.pool.QueryRow(ctx, query, args...).Scan(&status)
	if err == nil {
		return run.Status(status), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", err
	}
	return s.attemptStatus(ctx, id, jobID)
}

// attemptStatus returns the run's status if jobID is still its attempt.
func (s *Service) attemptStatus(ctx context.Context, id int64, jobID string) (run.Status, error) {
	var status string
	var current *string
	err := s.pool.QueryRow(ctx, `SELECT status, job_id FROM maintenance_runs WHERE id = $1`, id).Scan(&status, &current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrRunNotFound
		}
		return "", err
	}
	if current == nil || *current != jobID {
		return "", ErrLeaseLost
	}
	return run.Status(status), nil
}

// MarkRunning records a new attempt. A pending pause or cancel is kept so the
// attempt stops at its first checkpoint.
func (s *Service) MarkRunning(ctx context.Context, id int64, jobID string) (run.Status, error) {
	query := `
		UPDATE maintenance_runs
		SET status = CASE WHEN status IN ('pausing', 'cancelling') THEN status ELSE 'running' END,
		    job_id = $2,
		    updated_at = NOW()
		WHERE id = $1 AND ` + nonTerminal + `
		RETURNING status
	`
	status, _, err := s.updateStatus(ctx, id, query, id, jobID)
	return status, err
}

// Start snapshots the expected total on the first attempt of a run.
func (s *Service) Start(ctx context.Context, id int64, jobID string, total *int64) error {
	query := `
		UPDATE maintenance_runs
		SET started_at = COALESCE(started_at, NOW()),
		    tick_total = $2,
		    tick_count = CASE WHEN $2::bigint IS NULL THEN tick_count ELSE LEAST(tick_count, $2::bigint) END,
		    updated_at = NOW()
		WHERE id = $1 AND job_id = $3
	`
	tag, err := s.pool.Exec(ctx, query, id, total, jobID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		_, err := s.attemptStatus(ctx, id, jobID)
		return err
	}
	return nil
}

// PersistProgress adds a batch of ticks, never exceeding a known total.
func (s *Service) PersistProgress(ctx context.Context, id int64, jobID string, ticks int64, elapsed time.Duration) error {
	query := `
		UPDATE maintenance_runs
		SET tick_count = GREATEST(tick_count, CASE
				WHEN tick_total IS NULL THEN tick_count + $2
				ELSE LEAST(tick_total, tick_count + $2)
			END),
		    time_running = time_running + $3,
		    updated_at = NOW()
		WHERE id = $1 AND job_id = $4
	`
	tag, err := s.pool.Exec(ctx, query, id, ticks, elapsed.Seconds(), jobID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		_, err := s.attemptStatus(ctx, id, jobID)
		return err
	}
	return nil
}

// Suspend ends an attempt that stopped before exhausting its collection. The
// resulting status is derived from the row at write time: a pending cancel
// becomes cancelled, a pending pause becomes paused, anything else becomes
// interrupted. A nil cursor keeps the stored one.
func (s *Service) Suspend(ctx context.Context, id int64, jobID string, cursor *string, runAfter *time.Time) (run.Status, error) {
	query := `
		UPDATE maintenance_runs
		SET status = CASE status
				WHEN 'cancelling' THEN 'cancelled'
				WHEN 'pausing' THEN 'paused'
				ELSE 'interrupted'
			END,
		    ended_at = CASE WHEN status = 'cancelling' THEN NOW() ELSE ended_at END,
		    run_after = CASE WHEN status IN ('cancelling', 'pausing') THEN NULL ELSE $3::timestamptz END,
		    cursor = COALESCE($2::text, cursor),
		    leased_by = NULL,
		    leased_until = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND job_id = $4 AND ` + nonTerminal + `
		RETURNING status
	`
	return s.finishAttempt(ctx, id, jobID, query, id, cursor, runAfter, jobID)
}

func (s *Service) Succeed(ctx context.Context, id int64, jobID string) (run.Status, error) {
	query := `
		UPDATE maintenance_runs
		SET status = 'succeeded',
		    ended_at = NOW(),
		    run_after = NULL,
		    leased_by = NULL,
		    leased_until = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND job_id = $2 AND ` + nonTerminal + `
		RETURNING status
	`
	return s.finishAttempt(ctx, id, jobID, query, id, jobID)
}

func (s *Service) Fail(ctx context.Context, id int64, jobID string, f run.Failure) (run.Status, error) {
	query := `
		UPDATE maintenance_runs
		SET status = 'errored',
		    ended_at = NOW(),
		    error_class = $2,
		    error_message = $3,
		    backtrace = $4,
		    run_after = NULL,
		    leased_by = NULL,
		    leased_until = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND job_id = $5 AND ` + nonTerminal + `
		RETURNING status
	`
	return s.finishAttempt(ctx, id, jobID, query, id, f.Class, f.Message, f.Backtrace, jobID)
}

// Claim leases the next runnable run to workerID. Enqueued runs, interrupted
// runs whose run_after has passed, and unleased runs with a pending pause or
// cancel are eligible.
func (s *Service) Claim(ctx context.Context, workerID string, leaseSeconds int) (*run.Run, error) {
	leasedUntil := time.Now().Add(time.Duration(leaseSeconds) * time.Second)
	query := `
		WITH candidate AS (
			SELECT id FROM maintenance_runs
			WHERE leased_by IS NULL
			  AND (
				(status = 'enqueued' AND (run_after IS NULL OR run_after <= NOW()))
				OR status IN ('pausing', 'cancelling')
				OR (status = 'interrupted' AND run_after IS NOT NULL AND run_after <= NOW())
			  )
			ORDER BY COALESCE(run_after, created_at) ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE maintenance_runs
		SET leased_by = $1,
		    leased_until = $2,
		    attempts = attempts + 1,
		    run_after = NULL,
		    updated_at = NOW()
		WHERE id = (SELECT id FROM candidate)
		RETURNING ` + runColumns
	r, err := scanRun(s.pool.QueryRow(ctx, query, workerID, leasedUntil))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoRuns
		}
		return nil, err
	}
	return r, nil
}

// Heartbeat renews the lease and reports the run's current status.
func (s *Service) Heartbeat(ctx context.Context, id int64, workerID string, leaseSeconds int) (run.Status, error) {
	newLease := time.Now().Add(time.Duration(leaseSeconds) * time.Second)
	query := `
		UPDATE maintenance_runs
		SET leased_until = $1, updated_at = NOW()
		WHERE id = $2 AND leased_by = $3
		RETURNING status
	`
	var status string
	if err := s.pool.QueryRow(ctx, query, newLease, id, workerID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrLeaseLost
		}
		return "", err
	}
	return run.Status(status), nil
}

// Reclaim releases expired leases. Runs whose worker vanished mid-attempt
// become interrupted and are immediately eligible to resume from their last
// persisted cursor. The job id is cleared so writes from the abandoned attempt
// fail with ErrLeaseLost.
func (s *Service) Reclaim(ctx context.Context) (int64, error) {
	query := `
		WITH expired AS (
			SELECT id FROM maintenance_runs
			WHERE leased_by IS NOT NULL AND leased_until < NOW()
			FOR UPDATE SKIP LOCKED
		)
		UPDATE maintenance_runs
		SET status = CASE WHEN status = 'running' THEN 'interrupted' ELSE status END,
		    run_after = CASE WHEN ` + nonTerminal + ` THEN NOW() ELSE NULL END,
		    job_id = NULL,
		    leased_by = NULL,
		    leased_until = NULL,
		    updated_at = NOW()
		WHERE id IN (SELECT id FROM expired)
	`
	tag, err := s.pool.Exec(ctx, query)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
