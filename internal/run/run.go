package run

import (
	"time"
)

type Status string

const (
	StatusEnqueued    Status = "enqueued"
	StatusRunning     Status = "running"
	StatusPausing     Status = "pausing"
	StatusPaused      Status = "paused"
	StatusCancelling  Status = "cancelling"
	StatusCancelled   Status = "cancelled"
	StatusInterrupted Status = "interrupted"
	StatusSucceeded   Status = "succeeded"
	StatusErrored     Status = "errored"
)

var AllStatuses = []Status{
	StatusEnqueued,
	StatusRunning,
	StatusPausing,
	StatusPaused,
	StatusCancelling,
	StatusCancelled,
	StatusInterrupted,
	StatusSucceeded,
	StatusErrored,
}

// Stopping reports whether an operator asked the run to stop at the next checkpoint.
func (s Status) Stopping() bool {
	return s == StatusPausing || s == StatusCancelling
}

// Terminal statuses are never resumed; a new Run is required to retry.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusCancelled, StatusErrored:
		return true
	}
	return false
}

func (s Status) Resumable() bool {
	return s == StatusPaused || s == StatusInterrupted
}

func (s Status) Active() bool {
	switch s {
	case StatusRunning, StatusPausing, StatusCancelling:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// SuspendedStatus is the status an attempt lands in when it stops without
// finishing the collection. A pending cancel wins over a pending pause.
func SuspendedStatus(current Status) Status {
	switch current {
	case StatusCancelling:
		return StatusCancelled
	case StatusPausing:
		return StatusPaused
	default:
		return StatusInterrupted
	}
}

type Run struct {
	ID           int64      `db:"id" json:"id"`
	TaskName     string     `db:"task_name" json:"task_name"`
	Status       Status     `db:"status" json:"status"`
	Cursor       *string    `db:"cursor" json:"cursor,omitempty"`
	TickCount    int64      `db:"tick_count" json:"tick_count"`
	TickTotal    *int64     `db:"tick_total" json:"tick_total,omitempty"`
	TimeRunning  float64    `db:"time_running" json:"time_running"`
	JobID        *string    `db:"job_id" json:"job_id,omitempty"`
	Attempts     int        `db:"attempts" json:"attempts"`
	StartedAt    *time.Time `db:"started_at" json:"started_at,omitempty"`
	EndedAt      *time.Time `db:"ended_at" json:"ended_at,omitempty"`
	ErrorClass   *string    `db:"error_class" json:"error_class,omitempty"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
	Backtrace    *string    `db:"backtrace" json:"backtrace,omitempty"`
	Input        []byte     `db:"input" json:"-"`
	ScheduleName *string    `db:"schedule_name" json:"schedule_name,omitempty"`
	RunAfter     *time.Time `db:"run_after" json:"run_after,omitempty"`
	LeasedBy     *string    `db:"leased_by" json:"leased_by,omitempty"`
	LeasedUntil  *time.Time `db:"leased_until" json:"leased_until,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

func (r *Run) Started() bool {
	return r.StartedAt != nil
}

// Progress returns the completed fraction, or false when the total is unknown.
func (r *Run) Progress() (float64, bool) {
	if r.TickTotal == nil {
		return 0, false
	}
	if *r.TickTotal <= 0 {
		return 1, true
	}
	p := float64(r.TickCount) / float64(*r.TickTotal)
	if p > 1 {
		p = 1
	}
	return p, true
}

// ClampTicks applies delta to count without crossing a known total.
func ClampTicks(count, delta int64, total *int64) int64 {
	next := count + delta
	if total != nil && next > *total {
		next = *total
	}
	if next < count {
		return count
	}
	return next
}

// Failure is the error payload captured when a run becomes errored.
type Failure struct {
	Class     string `json:"error_class"`
	Message   string `json:"error_message"`
	Backtrace string `json:"backtrace"`
}
