package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"maintenance-worker/internal/collection"
	"maintenance-worker/internal/events"
	"maintenance-worker/internal/queue"
	"maintenance-worker/internal/run"
	"maintenance-worker/internal/task"
	"maintenance-worker/internal/ticker"
)

const tracerName = "maintenance-worker/runner"

// Store is the persistence a single attempt needs. Status-changing writes are
// conditional: they return the status the run ended up in, which differs from
// the requested one when the run was already terminal. Writes after
// MarkRunning carry the attempt's job id and fail with queue.ErrLeaseLost once
// another attempt owns the run.
type Store interface {
	Get(ctx context.Context, id int64) (*run.Run, error)
	ReloadStatus(ctx context.Context, id int64) (run.Status, error)
	MarkRunning(ctx context.Context, id int64, jobID string) (run.Status, error)
	Start(ctx context.Context, id int64, jobID string, total *int64) error
	PersistProgress(ctx context.Context, id int64, jobID string, ticks int64, elapsed time.Duration) error
	Suspend(ctx context.Context, id int64, jobID string, cursor *string, runAfter *time.Time) (run.Status, error)
	Succeed(ctx context.Context, id int64, jobID string) (run.Status, error)
	Fail(ctx context.Context, id int64, jobID string, f run.Failure) (run.Status, error)
}

type Options struct {
	TickerDelay     time.Duration
	TickerMaxTicks  int64
	ThrottleBackoff time.Duration
	// AutoResume schedules runs interrupted by a worker shutdown to be
	// picked up again immediately.
	AutoResume bool
	WorkerID   string
}

// JobRunner performs one attempt of a run: it iterates the task's collection
// from the stored cursor until the collection is exhausted, an operator asks
// it to stop, the throttle holds, the worker shuts down, or the task fails.
type JobRunner struct {
	store    Store
	registry *task.Registry
	logger   *slog.Logger
	reporter ErrorReporter
	events   events.Publisher
	tracer   trace.Tracer
	stats    *Stats
	opts     Options

	now      func() time.Time
	newJobID func() string
}

func NewJobRunner(store Store, registry *task.Registry, logger *slog.Logger, opts Options) *JobRunner {
	if opts.TickerDelay <= 0 {
		opts.TickerDelay = time.Second
	}
	return &JobRunner{
		store:    store,
		registry: registry,
		logger:   logger,
		reporter: LogReporter{Logger: logger},
		events:   events.NoopPublisher{},
		tracer:   otel.Tracer(tracerName),
		stats:    &Stats{},
		opts:     opts,
		now:      time.Now,
		newJobID: uuid.NewString,
	}
}

func (j *JobRunner) WithReporter(r ErrorReporter) *JobRunner {
	j.reporter = r
	return j
}

func (j *JobRunner) WithEvents(p events.Publisher) *JobRunner {
	j.events = p
	return j
}

func (j *JobRunner) WithTracerProvider(tp trace.TracerProvider) *JobRunner {
	j.tracer = tp.Tracer(tracerName)
	return j
}

func (j *JobRunner) Stats() *Stats {
	return j.stats
}

type outcome int

const (
	outcomeExhausted outcome = iota
	outcomeStopped
	outcomeShutdown
	outcomeThrottled
	outcomeErrored
	outcomeLeaseLost
)

// attempt holds the state of one Perform call.
type attempt struct {
	run     *run.Run
	jobID   string
	task    task.Task
	logger  *slog.Logger
	ticker  *ticker.Ticker
	cursor  *string
	items   int64
	err     error
	errItem any
	backoff time.Duration
}

// Perform runs one attempt of the run with the given id. Task failures are
// recorded on the run and reported; only store failures are returned.
func (j *JobRunner) Perform(ctx context.Context, id int64) error {
	ctx, span := j.tracer.Start(ctx, "maint.run.perform", trace.WithAttributes(
		attribute.Int64("maint.run.id", id),
	))
	defer span.End()

	// Store writes must land even while the worker is shutting down.
	storeCtx := context.WithoutCancel(ctx)

	r, err := j.store.Get(storeCtx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load run")
		return fmt.Errorf("load run %d: %w", id, err)
	}
	span.SetAttributes(attribute.String("maint.task", r.TaskName))
	logger := j.logger.With("run_id", id, "task", r.TaskName)
	if r.Status.Terminal() {
		logger.Info("Skipping finished run", "status", r.Status)
		return nil
	}

	started := j.now()
	a := &attempt{run: r, logger: logger, cursor: r.Cursor}
	status, err := j.execute(ctx, storeCtx, a)
	if errors.Is(err, queue.ErrLeaseLost) {
		leaseLostTotal.Inc()
		span.SetStatus(codes.Error, "lease lost")
		logger.Warn("Attempt lost ownership of the run; leaving it to the new owner", "items", a.items)
		return nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store")
		return err
	}

	span.SetAttributes(
		attribute.String("maint.run.status", string(status)),
		attribute.Int64("maint.run.items", a.items),
	)
	if a.err != nil {
		span.RecordError(a.err)
		span.SetStatus(codes.Error, a.err.Error())
	}
	j.stats.RecordAttempt(r.TaskName, status, a.items, j.now().Sub(started))
	itemsProcessed.WithLabelValues(r.TaskName).Add(float64(a.items))
	return nil
}

func (j *JobRunner) execute(ctx, storeCtx context.Context, a *attempt) (run.Status, error) {
	id := a.run.ID

	a.jobID = j.newJobID()
	status, err := j.store.MarkRunning(storeCtx, id, a.jobID)
	if err != nil {
		return "", fmt.Errorf("mark run %d running: %w", id, err)
	}
	if status.Terminal() {
		a.logger.Info("Run finished before the attempt started", "status", status)
		return status, nil
	}
	a.logger = a.logger.With("job_id", a.jobID)

	t, err := j.registry.Named(a.run.TaskName)
	if err != nil {
		a.err = err
		return j.fail(storeCtx, a)
	}
	a.task = t
	if in, ok := t.(task.InputReceiver); ok {
		in.SetInput(a.run.Input)
	}

	a.ticker = ticker.NewWithClock(j.opts.TickerDelay, j.opts.TickerMaxTicks, func(ticks int64, elapsed time.Duration) error {
		if err := j.store.PersistProgress(storeCtx, id, a.jobID, ticks, elapsed); err != nil {
			return err
		}
		j.publish(events.TypeRunProgress, "info", "Progress persisted", a, run.StatusRunning)
		return nil
	}, j.now)

	if !a.run.Started() {
		if err := j.start(storeCtx, a); err != nil {
			if errors.Is(err, errStore) {
				return "", err
			}
			a.err = err
			return j.fail(storeCtx, a)
		}
	}
	j.publish(events.TypeRunStarted, "info", "Run attempt started", a, status)

	var throttler task.Throttler
	if th, ok := t.(task.Throttler); ok {
		backoff, err := task.ResolveBackoff(th, j.opts.ThrottleBackoff)
		if err != nil {
			a.err = err
			return j.fail(storeCtx, a)
		}
		throttler, a.backoff = th, backoff
	}

	var enum collection.Enumerator
	err = safely(func() error {
		c, err := t.Collection(storeCtx)
		if err != nil {
			return err
		}
		enum, err = collection.Build(storeCtx, c, a.run.Cursor)
		return err
	})
	if err != nil {
		a.err = err
		return j.fail(storeCtx, a)
	}

	switch j.iterate(ctx, storeCtx, a, enum, throttler, status) {
	case outcomeExhausted:
		return j.succeed(storeCtx, a)
	case outcomeStopped:
		return j.suspend(storeCtx, a, nil, events.TypeRunSuspended)
	case outcomeShutdown:
		var after *time.Time
		if j.opts.AutoResume {
			now := j.now()
			after = &now
		}
		return j.suspend(storeCtx, a, after, events.TypeRunSuspended)
	case outcomeThrottled:
		after := j.now().Add(a.backoff)
		throttledTotal.WithLabelValues(a.run.TaskName).Inc()
		return j.suspend(storeCtx, a, &after, events.TypeRunThrottled)
	case outcomeLeaseLost:
		return "", fmt.Errorf("persist progress of run %d: %w", id, queue.ErrLeaseLost)
	default:
		return j.fail(storeCtx, a)
	}
}

var errStore = errors.New("store failure")

// start snapshots the expected total on the first attempt.
func (j *JobRunner) start(storeCtx context.Context, a *attempt) error {
	var total *int64
	if counter, ok := a.task.(task.Counter); ok {
		var n int64
		var known bool
		err := safely(func() error {
			var err error
			n, known, err = counter.Count(storeCtx)
			return err
		})
		if err != nil {
			return fmt.Errorf("count: %w", err)
		}
		if known {
			total = &n
		}
	}
	if err := j.store.Start(storeCtx, a.run.ID, a.jobID, total); err != nil {
		return fmt.Errorf("%w: start run %d: %w", errStore, a.run.ID, err)
	}
	a.run.TickTotal = total
	return nil
}

// iterate runs the item loop. Stop signals are only honoured between items:
// an item that has started processing always completes.
func (j *JobRunner) iterate(ctx, storeCtx context.Context, a *attempt, enum collection.Enumerator, throttler task.Throttler, status run.Status) outcome {
	for {
		if ctx.Err() != nil {
			return outcomeShutdown
		}

		var item collection.Item
		var ok bool
		err := safely(func() error {
			var err error
			item, ok, err = enum.Next(ctx)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return outcomeShutdown
			}
			a.err = err
			return outcomeErrored
		}
		if !ok {
			return outcomeExhausted
		}

		if status.Stopping() {
			return outcomeStopped
		}
		if throttler != nil {
			var throttled bool
			err := safely(func() error {
				throttled = throttler.ThrottleCondition(storeCtx)
				return nil
			})
			if err != nil {
				a.err = err
				return outcomeErrored
			}
			if throttled {
				return outcomeThrottled
			}
		}

		if err := safely(func() error { return a.task.Process(storeCtx, item.Value) }); err != nil {
			a.err, a.errItem = err, item.Value
			return outcomeErrored
		}
		cursor := item.Cursor
		a.cursor = &cursor
		a.items++

		if err := a.ticker.Tick(); err != nil {
			if errors.Is(err, queue.ErrLeaseLost) {
				return outcomeLeaseLost
			}
			a.logger.Warn("Failed to persist progress", "error", err)
		}
		reloaded, err := j.store.ReloadStatus(storeCtx, a.run.ID)
		if err != nil {
			a.logger.Warn("Failed to reload run status", "error", err)
			continue
		}
		status = reloaded
	}
}

func (j *JobRunner) flush(a *attempt) {
	if a.ticker == nil {
		return
	}
	if err := a.ticker.Persist(); err != nil {
		a.logger.Warn("Failed to persist progress", "error", err)
	}
}

func (j *JobRunner) succeed(storeCtx context.Context, a *attempt) (run.Status, error) {
	j.flush(a)
	status, err := j.store.Succeed(storeCtx, a.run.ID, a.jobID)
	if err != nil {
		return "", fmt.Errorf("mark run %d succeeded: %w", a.run.ID, err)
	}
	a.logger.Info("Run finished", "status", status, "items", a.items)
	j.publish(events.TypeRunSucceeded, "info", "Run finished", a, status)
	return status, nil
}

// suspend records the cursor of the last completed item. The store derives
// the resulting status from any pending operator request.
func (j *JobRunner) suspend(storeCtx context.Context, a *attempt, runAfter *time.Time, eventType string) (run.Status, error) {
	j.flush(a)
	status, err := j.store.Suspend(storeCtx, a.run.ID, a.jobID, a.cursor, runAfter)
	if err != nil {
		return "", fmt.Errorf("suspend run %d: %w", a.run.ID, err)
	}
	attrs := []any{"status", status, "items", a.items}
	if a.cursor != nil {
		attrs = append(attrs, "cursor", *a.cursor)
	}
	if runAfter != nil {
		attrs = append(attrs, "run_after", runAfter.Format(time.RFC3339))
	}
	a.logger.Info("Run suspended", attrs...)
	j.publish(eventType, "info", "Run suspended", a, status)
	return status, nil
}

func (j *JobRunner) fail(storeCtx context.Context, a *attempt) (run.Status, error) {
	j.flush(a)
	f := run.CaptureFailure(a.err)
	status, err := j.store.Fail(storeCtx, a.run.ID, a.jobID, f)
	if err != nil {
		return "", fmt.Errorf("mark run %d errored: %w", a.run.ID, err)
	}
	if status != run.StatusErrored {
		a.logger.Warn("Discarding failure of a run that already finished", "status", status, "error_class", f.Class, "error_message", f.Message)
		return status, nil
	}
	j.reporter.Report(storeCtx, ErrorContext{
		RunID:    a.run.ID,
		TaskName: a.run.TaskName,
		Run:      a.run,
		Item:     a.errItem,
		Failure:  f,
	}, a.err)
	j.publish(events.TypeRunErrored, "error", f.Message, a, status)
	return status, nil
}

func (j *JobRunner) publish(eventType, level, message string, a *attempt, status run.Status) {
	j.events.Publish(events.Event{
		Timestamp: j.now(),
		Level:     level,
		Type:      eventType,
		Message:   message,
		TaskName:  a.run.TaskName,
		RunID:     a.run.ID,
		Status:    string(status),
		WorkerID:  j.opts.WorkerID,
	})
}

// safely converts a panic in task code into an error.
func safely(fn func() error) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = run.NewPanicError(v)
		}
	}()
	return fn()
}
