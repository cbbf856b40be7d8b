package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"maintenance-worker/internal/run"
)

type ErroredRunSummary struct {
	ID        int64
	TaskName  string
	Attempts  int
	TickCount int64
	Summary   string
	EndedAt   *time.Time
}

// ListErroredRuns returns recent errored runs for triage, newest first.
func (s *Service) ListErroredRuns(ctx context.Context, limit int, taskName string) ([]ErroredRunSummary, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `
		SELECT id, task_name, attempts, tick_count, error_class, error_message, ended_at
		FROM maintenance_runs
		WHERE status = 'errored'
		  AND ($2::text = '' OR task_name = $2::text)
		ORDER BY ended_at DESC NULLS LAST, id DESC
		LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, limit, taskName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []ErroredRunSummary
	for rows.Next() {
		var item ErroredRunSummary
		var class, message *string
		if err := rows.Scan(&item.ID, &item.TaskName, &item.Attempts, &item.TickCount, &class, &message, &item.EndedAt); err != nil {
			return nil, err
		}
		item.Summary = summarizeFailure(class, message)
		items = append(items, item)
	}
	return items, rows.Err()
}

// InspectErroredRun returns the full record of an errored run, backtrace included.
func (s *Service) InspectErroredRun(ctx context.Context, id int64) (*run.Run, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != run.StatusErrored {
		return nil, fmt.Errorf("%w: run %d is %s, not errored", ErrInvalidTransition, id, r.Status)
	}
	return r, nil
}

// Retry enqueues a fresh run of the same task and input as a finished run.
// Terminal runs are never resumed, so retrying always starts from the beginning.
func (s *Service) Retry(ctx context.Context, id int64) (*run.Run, error) {
	query := `
		INSERT INTO maintenance_runs (task_name, status, input)
		SELECT task_name, 'enqueued', input
		FROM maintenance_runs
		WHERE id = $1 AND status IN ('errored', 'cancelled')
		RETURNING ` + runColumns
	r, err := scanRun(s.pool.QueryRow(ctx, query, id))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	status, err := s.ReloadStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, invalidTransition(id, "retry", status)
}
