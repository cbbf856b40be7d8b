package queue

import (
	"errors"
	"fmt"
	"time"

	"maintenance-worker/internal/run"
)

var (
	ErrRunNotFound       = errors.New("run not found")
	ErrNoRuns            = errors.New("no runs available")
	ErrLeaseLost         = errors.New("lease lost or run not leased by this worker")
	ErrInvalidTransition = errors.New("invalid run transition")
)

func invalidTransition(id int64, action string, status run.Status) error {
	return fmt.Errorf("%w: cannot %s run %d while %s", ErrInvalidTransition, action, id, status)
}

// NewRun describes a run to enqueue.
type NewRun struct {
	TaskName     string
	Input        []byte
	RunAfter     *time.Time
	ScheduleName *string
}

type ListOptions struct {
	Statuses []run.Status
	TaskName string
	Limit    int
}

const defaultListLimit = 50

func (o ListOptions) limit() int {
	if o.Limit <= 0 {
		return defaultListLimit
	}
	return o.Limit
}

func statusStrings(statuses []run.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
