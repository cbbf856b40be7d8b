package memory

import (
	"context"
	"fmt"
	"time"

	"maintenance-worker/internal/queue"
	"maintenance-worker/internal/run"
)

func claimable(r *run.Run, now time.Time) bool {
	if r.LeasedBy != nil {
		return false
	}
	due := r.RunAfter == nil || !r.RunAfter.After(now)
	switch r.Status {
	case run.StatusEnqueued:
		return due
	case run.StatusPausing, run.StatusCancelling:
		return true
	case run.StatusInterrupted:
		return r.RunAfter != nil && due
	}
	return false
}

func (m *Store) Claim(_ context.Context, workerID string, leaseSeconds int) (*run.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var best *run.Run
	for _, r := range m.runs {
		if !claimable(r, now) {
			continue
		}
		if best == nil || claimOrder(r).Before(claimOrder(best)) ||
			(claimOrder(r).Equal(claimOrder(best)) && r.ID < best.ID) {
			best = r
		}
	}
	if best == nil {
		return nil, queue.ErrNoRuns
	}

	until := now.Add(time.Duration(leaseSeconds) * time.Second)
	worker := workerID
	best.LeasedBy = &worker
	best.LeasedUntil = &until
	best.Attempts++
	best.RunAfter = nil
	best.UpdatedAt = now
	cp := *best
	return &cp, nil
}

func claimOrder(r *run.Run) time.Time {
	if r.RunAfter != nil {
		return *r.RunAfter
	}
	return r.CreatedAt
}

func (m *Store) Heartbeat(_ context.Context, id int64, workerID string, leaseSeconds int) (run.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok || r.LeasedBy == nil || *r.LeasedBy != workerID {
		return "", queue.ErrLeaseLost
	}
	until := m.now().Add(time.Duration(leaseSeconds) * time.Second)
	r.LeasedUntil = &until
	return r.Status, nil
}

// Reclaim releases expired leases and clears the job id of the attempt that
// held them, so its later writes fail with ErrLeaseLost.
func (m *Store) Reclaim(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var n int64
	for _, r := range m.runs {
		if r.LeasedBy == nil || r.LeasedUntil == nil || !r.LeasedUntil.Before(now) {
			continue
		}
		if r.Status == run.StatusRunning {
			r.Status = run.StatusInterrupted
		}
		if r.Status.Terminal() {
			r.RunAfter = nil
		} else {
			at := now
			r.RunAfter = &at
		}
		r.LeasedBy, r.LeasedUntil = nil, nil
		r.JobID = nil
		r.UpdatedAt = now
		n++
	}
	return n, nil
}

func (m *Store) RequestPause(_ context.Context, id int64) (run.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return "", queue.ErrRunNotFound
	}
	switch r.Status {
	case run.StatusEnqueued, run.StatusRunning:
		r.Status = run.StatusPausing
		r.UpdatedAt = m.now()
	case run.StatusPausing:
	default:
		return r.Status, transitionError(id, "pause", r.Status)
	}
	return r.Status, nil
}

func (m *Store) RequestCancel(_ context.Context, id int64) (run.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return "", queue.ErrRunNotFound
	}
	now := m.now()
	switch r.Status {
	case run.StatusPaused, run.StatusInterrupted:
		r.Status = run.StatusCancelled
		r.EndedAt = &now
	case run.StatusEnqueued, run.StatusRunning, run.StatusPausing:
		r.Status = run.StatusCancelling
	case run.StatusCancelling:
		return r.Status, nil
	default:
		return r.Status, transitionError(id, "cancel", r.Status)
	}
	r.RunAfter = nil
	r.UpdatedAt = now
	return r.Status, nil
}

func (m *Store) Resume(_ context.Context, id int64) (run.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return "", queue.ErrRunNotFound
	}
	if !r.Status.Resumable() || r.LeasedBy != nil {
		return r.Status, transitionError(id, "resume", r.Status)
	}
	r.Status = run.StatusEnqueued
	r.RunAfter = nil
	r.UpdatedAt = m.now()
	return r.Status, nil
}

// Retry enqueues a fresh run of the same task and input as an errored or
// cancelled run.
func (m *Store) Retry(ctx context.Context, id int64) (*run.Run, error) {
	m.mu.RLock()
	r, ok := m.runs[id]
	var nr queue.NewRun
	var status run.Status
	if ok {
		nr = queue.NewRun{TaskName: r.TaskName, Input: r.Input}
		status = r.Status
	}
	m.mu.RUnlock()
	if !ok {
		return nil, queue.ErrRunNotFound
	}
	if status != run.StatusErrored && status != run.StatusCancelled {
		return nil, transitionError(id, "retry", status)
	}
	return m.Create(ctx, nr)
}

func transitionError(id int64, action string, status run.Status) error {
	return fmt.Errorf("%w: cannot %s run %d while %s", queue.ErrInvalidTransition, action, id, status)
}
