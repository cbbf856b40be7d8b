// Package memory is an in-process run store with the same transition rules
// as the Postgres queue. It backs tests and --memory dry runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"maintenance-worker/internal/queue"
	"maintenance-worker/internal/run"
)

// Store is safe for concurrent access. Returned runs are copies.
type Store struct {
	mu     sync.RWMutex
	runs   map[int64]*run.Run
	nextID int64
	now    func() time.Time
}

func New() *Store {
	return NewWithClock(time.Now)
}

func NewWithClock(now func() time.Time) *Store {
	return &Store{
		runs: make(map[int64]*run.Run),
		now:  now,
	}
}

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

func (m *Store) Create(_ context.Context, nr queue.NewRun) (*run.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	now := m.now()
	r := &run.Run{
		ID:           m.nextID,
		TaskName:     nr.TaskName,
		Status:       run.StatusEnqueued,
		Input:        nr.Input,
		RunAfter:     nr.RunAfter,
		ScheduleName: nr.ScheduleName,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.runs[r.ID] = r
	cp := *r
	return &cp, nil
}

func (m *Store) Get(_ context.Context, id int64) (*run.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, queue.ErrRunNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *Store) List(_ context.Context, opts queue.ListOptions) ([]run.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wanted := make(map[run.Status]bool, len(opts.Statuses))
	for _, s := range opts.Statuses {
		wanted[s] = true
	}
	out := make([]run.Run, 0, len(m.runs))
	for _, r := range m.runs {
		if len(wanted) > 0 && !wanted[r.Status] {
			continue
		}
		if opts.TaskName != "" && r.TaskName != opts.TaskName {
			continue
		}
		cp := *r
		cp.Input = nil
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Store) CountByStatus(_ context.Context) (map[run.Status]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[run.Status]int64, len(run.AllStatuses))
	for _, r := range m.runs {
		counts[r.Status]++
	}
	return counts, nil
}

func (m *Store) ReloadStatus(_ context.Context, id int64) (run.Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return "", queue.ErrRunNotFound
	}
	return r.Status, nil
}

func (m *Store) MarkRunning(_ context.Context, id int64, jobID string) (run.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return "", queue.ErrRunNotFound
	}
	if r.Status.Terminal() {
		return r.Status, nil
	}
	if !r.Status.Stopping() {
		r.Status = run.StatusRunning
	}
	r.JobID = &jobID
	r.UpdatedAt = m.now()
	return r.Status, nil
}

// owned returns the run if jobID is still its current attempt. Callers hold
// the write lock.
func (m *Store) owned(id int64, jobID string) (*run.Run, error) {
	r, ok := m.runs[id]
	if !ok {
		return nil, queue.ErrRunNotFound
	}
	if r.JobID == nil || *r.JobID != jobID {
		return nil, queue.ErrLeaseLost
	}
	return r, nil
}

// finish applies fn to the attempt's run unless the run is already terminal,
// and returns the resulting status.
func (m *Store) finish(id int64, jobID string, fn func(r *run.Run, now time.Time)) (run.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.owned(id, jobID)
	if err != nil {
		return "", err
	}
	if r.Status.Terminal() {
		return r.Status, nil
	}
	now := m.now()
	fn(r, now)
	r.UpdatedAt = now
	return r.Status, nil
}

func (m *Store) Start(_ context.Context, id int64, jobID string, total *int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.owned(id, jobID)
	if err != nil {
		return err
	}
	now := m.now()
	if r.StartedAt == nil {
		r.StartedAt = &now
	}
	r.TickTotal = total
	if total != nil && r.TickCount > *total {
		r.TickCount = *total
	}
	r.UpdatedAt = now
	return nil
}

func (m *Store) PersistProgress(_ context.Context, id int64, jobID string, ticks int64, elapsed time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.owned(id, jobID)
	if err != nil {
		return err
	}
	r.TickCount = run.ClampTicks(r.TickCount, ticks, r.TickTotal)
	r.TimeRunning += elapsed.Seconds()
	r.UpdatedAt = m.now()
	return nil
}

func (m *Store) Suspend(_ context.Context, id int64, jobID string, cursor *string, runAfter *time.Time) (run.Status, error) {
	return m.finish(id, jobID, func(r *run.Run, now time.Time) {
		next := run.SuspendedStatus(r.Status)
		if next == run.StatusCancelled {
			r.EndedAt = &now
		}
		if next == run.StatusInterrupted {
			r.RunAfter = runAfter
		} else {
			r.RunAfter = nil
		}
		if cursor != nil {
			c := *cursor
			r.Cursor = &c
		}
		r.Status = next
		r.LeasedBy, r.LeasedUntil = nil, nil
	})
}

func (m *Store) Succeed(_ context.Context, id int64, jobID string) (run.Status, error) {
	return m.finish(id, jobID, func(r *run.Run, now time.Time) {
		r.Status = run.StatusSucceeded
		r.EndedAt = &now
		r.RunAfter = nil
		r.LeasedBy, r.LeasedUntil = nil, nil
	})
}

func (m *Store) Fail(_ context.Context, id int64, jobID string, f run.Failure) (run.Status, error) {
	return m.finish(id, jobID, func(r *run.Run, now time.Time) {
		r.Status = run.StatusErrored
		r.EndedAt = &now
		r.ErrorClass = &f.Class
		r.ErrorMessage = &f.Message
		r.Backtrace = &f.Backtrace
		r.RunAfter = nil
		r.LeasedBy, r.LeasedUntil = nil, nil
	})
}
