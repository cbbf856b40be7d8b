package queue

import (
	"context"

	"maintenance-worker/internal/run"
)

// RequestPause asks an enqueued or running run to pause at its next checkpoint.
func (s *Service) RequestPause(ctx context.Context, id int64) (run.Status, error) {
	query := `
		UPDATE maintenance_runs
		SET status = 'pausing', updated_at = NOW()
		WHERE id = $1 AND status IN ('enqueued', 'running')
		RETURNING status
	`
	status, ok, err := s.updateStatus(ctx, id, query, id)
	if err != nil {
		return "", err
	}
	if !ok && status != run.StatusPausing {
		return status, invalidTransition(id, "pause", status)
	}
	return status, nil
}

// RequestCancel asks an active run to cancel at its next checkpoint. Runs that
// are not executing (paused or interrupted) are cancelled immediately.
func (s *Service) RequestCancel(ctx context.Context, id int64) (run.Status, error) {
	query := `
		UPDATE maintenance_runs
		SET status = CASE WHEN status IN ('paused', 'interrupted') THEN 'cancelled' ELSE 'cancelling' END,
		    ended_at = CASE WHEN status IN ('paused', 'interrupted') THEN NOW() ELSE ended_at END,
		    run_after = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status IN ('enqueued', 'running', 'pausing', 'paused', 'interrupted')
		RETURNING status
	`
	status, ok, err := s.updateStatus(ctx, id, query, id)
	if err != nil {
		return "", err
	}
	if !ok && status != run.StatusCancelling {
		return status, invalidTransition(id, "cancel", status)
	}
	return status, nil
}

// Resume re-enqueues a paused or interrupted run. It continues from its cursor.
func (s *Service) Resume(ctx context.Context, id int64) (run.Status, error) {
	query := `
		UPDATE maintenance_runs
		SET status = 'enqueued', run_after = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ('paused', 'interrupted') AND leased_by IS NULL
		RETURNING status
	`
	status, ok, err := s.updateStatus(ctx, id, query, id)
	if err != nil {
		return "", err
	}
	if !ok {
		return status, invalidTransition(id, "resume", status)
	}
	return status, nil
}
