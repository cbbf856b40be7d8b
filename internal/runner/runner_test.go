package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"maintenance-worker/internal/collection"
	"maintenance-worker/internal/config"
	"maintenance-worker/internal/events"
	"maintenance-worker/internal/queue"
	"maintenance-worker/internal/queue/memory"
	"maintenance-worker/internal/run"
	"maintenance-worker/internal/task"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// fakeTask iterates items and hands each one to process.
type fakeTask struct {
	items   []int
	process func(ctx context.Context, item int) error
	seen    *[]int
}

func (f *fakeTask) Collection(ctx context.Context) (collection.Collection, error) {
	return collection.Slice(f.items), nil
}

func (f *fakeTask) Process(ctx context.Context, item any) error {
	n := item.(int)
	*f.seen = append(*f.seen, n)
	if f.process != nil {
		return f.process(ctx, n)
	}
	return nil
}

type countedTask struct {
	fakeTask
}

func (c *countedTask) Count(ctx context.Context) (int64, bool, error) {
	return int64(len(c.items)), true, nil
}

type throttledTask struct {
	fakeTask
	task.Throttle
}

type brokenCollectionTask struct{}

func (brokenCollectionTask) Collection(ctx context.Context) (collection.Collection, error) {
	return collection.Collection{}, nil
}

func (brokenCollectionTask) Process(ctx context.Context, item any) error { return nil }

type harness struct {
	store    *memory.Store
	clock    *clock
	registry *task.Registry
	jobs     *JobRunner
	reports  []ErrorContext
	errs     []error
	seen     []int
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		clock:    &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		registry: task.NewRegistry(""),
	}
	h.store = memory.NewWithClock(h.clock.Now)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.jobs = NewJobRunner(h.store, h.registry, logger, opts).WithReporter(ReporterFunc(func(ctx context.Context, ec ErrorContext, err error) {
		h.reports = append(h.reports, ec)
		h.errs = append(h.errs, err)
	}))
	h.jobs.now = h.clock.Now
	return h
}

func (h *harness) register(t *testing.T, name string, factory task.Factory) {
	t.Helper()
	if err := h.registry.Register(name, factory); err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
}

func (h *harness) enqueue(t *testing.T, name string) int64 {
	t.Helper()
	r, err := h.store.Create(context.Background(), queue.NewRun{TaskName: name})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return r.ID
}

func (h *harness) perform(t *testing.T, ctx context.Context, id int64) *run.Run {
	t.Helper()
	if err := h.jobs.Perform(ctx, id); err != nil {
		t.Fatalf("perform: %v", err)
	}
	r, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	return r
}

func assertCursor(t *testing.T, r *run.Run, want string) {
	t.Helper()
	if r.Cursor == nil || *r.Cursor != want {
		t.Fatalf("expected cursor %q, got %v", want, r.Cursor)
	}
}

func TestPerformProcessesEveryItem(t *testing.T) {
	h := newHarness(t, Options{})
	h.register(t, "maintenance.Sweep", func() task.Task {
		return &countedTask{fakeTask{items: []int{1, 2, 3, 4, 5}, seen: &h.seen}}
	})
	id := h.enqueue(t, "maintenance.Sweep")

	r := h.perform(t, context.Background(), id)

	if r.Status != run.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", r.Status)
	}
	if r.TickTotal == nil || *r.TickTotal != 5 {
		t.Fatalf("expected tick total 5, got %v", r.TickTotal)
	}
	if r.TickCount != 5 {
		t.Fatalf("expected tick count 5, got %d", r.TickCount)
	}
	if r.StartedAt == nil || r.EndedAt == nil {
		t.Fatalf("expected started and ended timestamps, got %v %v", r.StartedAt, r.EndedAt)
	}
	if r.JobID == nil || *r.JobID == "" {
		t.Fatal("expected job id to be recorded")
	}
	if len(h.seen) != 5 {
		t.Fatalf("expected 5 processed items, got %v", h.seen)
	}
	if len(h.reports) != 0 {
		t.Fatalf("expected no error reports, got %d", len(h.reports))
	}
}

func TestPerformEmptyCollectionSucceeds(t *testing.T) {
	h := newHarness(t, Options{})
	h.register(t, "maintenance.Empty", func() task.Task {
		return &countedTask{fakeTask{seen: &h.seen}}
	})
	id := h.enqueue(t, "maintenance.Empty")

	r := h.perform(t, context.Background(), id)
	if r.Status != run.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", r.Status)
	}
	if r.TickTotal == nil || *r.TickTotal != 0 || r.TickCount != 0 {
		t.Fatalf("expected 0/0 ticks, got %d/%v", r.TickCount, r.TickTotal)
	}
}

func TestPerformCancelRequestedMidRun(t *testing.T) {
	h := newHarness(t, Options{})
	var id int64
	h.register(t, "maintenance.Sweep", func() task.Task {
		return &fakeTask{items: []int{1, 2, 3, 4, 5}, seen: &h.seen, process: func(ctx context.Context, item int) error {
			if item == 2 {
				if _, err := h.store.RequestCancel(ctx, id); err != nil {
					t.Errorf("request cancel: %v", err)
				}
			}
			return nil
		}}
	})
	id = h.enqueue(t, "maintenance.Sweep")

	r := h.perform(t, context.Background(), id)

	if r.Status != run.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", r.Status)
	}
	if r.EndedAt == nil {
		t.Fatal("expected ended_at on cancelled run")
	}
	assertCursor(t, r, "1")
	if r.TickCount != 2 {
		t.Fatalf("expected tick count 2, got %d", r.TickCount)
	}
	if len(h.seen) != 2 {
		t.Fatalf("expected items after the cancel request to be skipped, got %v", h.seen)
	}
}

func TestPerformCancelOnLastItemStillSucceeds(t *testing.T) {
	h := newHarness(t, Options{})
	var id int64
	h.register(t, "maintenance.Sweep", func() task.Task {
		return &fakeTask{items: []int{1, 2}, seen: &h.seen, process: func(ctx context.Context, item int) error {
			if item == 2 {
				_, _ = h.store.RequestCancel(ctx, id)
			}
			return nil
		}}
	})
	id = h.enqueue(t, "maintenance.Sweep")

	r := h.perform(t, context.Background(), id)
	if r.Status != run.StatusSucceeded {
		t.Fatalf("expected exhaustion to win over a pending cancel, got %s", r.Status)
	}
}

func TestPerformPauseThenResume(t *testing.T) {
	h := newHarness(t, Options{})
	var id int64
	paused := false
	h.register(t, "maintenance.Sweep", func() task.Task {
		return &countedTask{fakeTask{items: []int{1, 2, 3, 4, 5}, seen: &h.seen, process: func(ctx context.Context, item int) error {
			if item == 2 && !paused {
				paused = true
				if _, err := h.store.RequestPause(ctx, id); err != nil {
					t.Errorf("request pause: %v", err)
				}
			}
			return nil
		}}}
	})
	id = h.enqueue(t, "maintenance.Sweep")

	r := h.perform(t, context.Background(), id)
	if r.Status != run.StatusPaused {
		t.Fatalf("expected paused, got %s", r.Status)
	}
	assertCursor(t, r, "1")
	if r.EndedAt != nil {
		t.Fatal("paused run must not have ended_at")
	}

	if _, err := h.store.Resume(context.Background(), id); err != nil {
		t.Fatalf("resume: %v", err)
	}
	r = h.perform(t, context.Background(), id)

	if r.Status != run.StatusSucceeded {
		t.Fatalf("expected succeeded after resume, got %s", r.Status)
	}
	want := []int{1, 2, 3, 4, 5}
	if len(h.seen) != len(want) {
		t.Fatalf("expected %v, got %v", want, h.seen)
	}
	for i := range want {
		if h.seen[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, h.seen)
		}
	}
	if r.TickCount != 5 {
		t.Fatalf("expected tick count 5 across attempts, got %d", r.TickCount)
	}
}

func TestPerformTaskErrorIsCaptured(t *testing.T) {
	h := newHarness(t, Options{})
	boom := errors.New("boom")
	h.register(t, "maintenance.Sweep", func() task.Task {
		return &fakeTask{items: []int{1, 2, 3, 4, 5}, seen: &h.seen, process: func(ctx context.Context, item int) error {
			if item == 3 {
				return boom
			}
			return nil
		}}
	})
	id := h.enqueue(t, "maintenance.Sweep")

	r := h.perform(t, context.Background(), id)

	if r.Status != run.StatusErrored {
		t.Fatalf("expected errored, got %s", r.Status)
	}
	if r.TickCount != 2 {
		t.Fatalf("expected tick count 2, got %d", r.TickCount)
	}
	if r.ErrorClass == nil || *r.ErrorClass != "error" {
		t.Fatalf("expected error class \"error\", got %v", r.ErrorClass)
	}
	if r.ErrorMessage == nil || *r.ErrorMessage != "boom" {
		t.Fatalf("expected message boom, got %v", r.ErrorMessage)
	}
	if r.EndedAt == nil {
		t.Fatal("expected ended_at on errored run")
	}
	if len(h.reports) != 1 {
		t.Fatalf("expected one report, got %d", len(h.reports))
	}
	if !errors.Is(h.errs[0], boom) {
		t.Fatalf("expected reported error boom, got %v", h.errs[0])
	}
	if h.reports[0].Item != 3 || h.reports[0].RunID != id {
		t.Fatalf("unexpected error context: %+v", h.reports[0])
	}
	if len(h.seen) != 3 {
		t.Fatalf("expected processing to stop at the failing item, got %v", h.seen)
	}
}

func TestPerformPanicIsCaptured(t *testing.T) {
	h := newHarness(t, Options{})
	h.register(t, "maintenance.Sweep", func() task.Task {
		return &fakeTask{items: []int{1}, seen: &h.seen, process: func(ctx context.Context, item int) error {
			panic("kaboom")
		}}
	})
	id := h.enqueue(t, "maintenance.Sweep")

	r := h.perform(t, context.Background(), id)

	if r.Status != run.StatusErrored {
		t.Fatalf("expected errored, got %s", r.Status)
	}
	if r.ErrorClass == nil || *r.ErrorClass != "panic" {
		t.Fatalf("expected panic class, got %v", r.ErrorClass)
	}
	if r.Backtrace == nil || *r.Backtrace == "" {
		t.Fatal("expected backtrace for panic")
	}
}

func TestPerformUnknownTask(t *testing.T) {
	h := newHarness(t, Options{})
	id := h.enqueue(t, "maintenance.Missing")

	r := h.perform(t, context.Background(), id)

	if r.Status != run.StatusErrored {
		t.Fatalf("expected errored, got %s", r.Status)
	}
	if r.ErrorClass == nil || *r.ErrorClass != "task.NotFoundError" {
		t.Fatalf("expected task.NotFoundError class, got %v", r.ErrorClass)
	}
	var nf *task.NotFoundError
	if len(h.errs) != 1 || !errors.As(h.errs[0], &nf) {
		t.Fatalf("expected one NotFoundError report, got %v", h.errs)
	}
}

func TestPerformUnknownCollection(t *testing.T) {
	h := newHarness(t, Options{})
	h.register(t, "maintenance.Broken", func() task.Task { return brokenCollectionTask{} })
	id := h.enqueue(t, "maintenance.Broken")

	r := h.perform(t, context.Background(), id)

	if r.Status != run.StatusErrored {
		t.Fatalf("expected errored, got %s", r.Status)
	}
	if len(h.errs) != 1 || !errors.Is(h.errs[0], collection.ErrUnknownCollection) {
		t.Fatalf("expected ErrUnknownCollection report, got %v", h.errs)
	}
}

func TestPerformNegativeThrottleBackoff(t *testing.T) {
	h := newHarness(t, Options{})
	h.register(t, "maintenance.Throttled", func() task.Task {
		return &throttledTask{
			fakeTask: fakeTask{items: []int{1}, seen: &h.seen},
			Throttle: task.Throttle{Backoff: -time.Second},
		}
	})
	id := h.enqueue(t, "maintenance.Throttled")

	r := h.perform(t, context.Background(), id)
	if r.Status != run.StatusErrored {
		t.Fatalf("expected errored, got %s", r.Status)
	}
	if len(h.errs) != 1 || !errors.Is(h.errs[0], task.ErrThrottleConfig) {
		t.Fatalf("expected ErrThrottleConfig, got %v", h.errs)
	}
	if len(h.seen) != 0 {
		t.Fatalf("expected no items processed, got %v", h.seen)
	}
}

func TestPerformThrottleReschedules(t *testing.T) {
	h := newHarness(t, Options{})
	h.register(t, "maintenance.Throttled", func() task.Task {
		tt := &throttledTask{fakeTask: fakeTask{items: []int{1, 2, 3, 4, 5}, seen: &h.seen}}
		tt.Throttle = task.Throttle{
			Condition: func(ctx context.Context) bool { return len(h.seen) >= 2 },
			Backoff:   10 * time.Second,
		}
		return tt
	})
	id := h.enqueue(t, "maintenance.Throttled")

	r := h.perform(t, context.Background(), id)

	if r.Status != run.StatusInterrupted {
		t.Fatalf("expected interrupted, got %s", r.Status)
	}
	assertCursor(t, r, "1")
	want := h.clock.Now().Add(10 * time.Second)
	if r.RunAfter == nil || !r.RunAfter.Equal(want) {
		t.Fatalf("expected run_after %v, got %v", want, r.RunAfter)
	}
	if r.TickCount != 2 {
		t.Fatalf("expected tick count 2, got %d", r.TickCount)
	}
}

func TestPerformShutdown(t *testing.T) {
	tests := map[string]struct {
		autoResume  bool
		request     func(s *memory.Store, id int64)
		want        run.Status
		wantEnded   bool
		wantRunNext bool
	}{
		"running":             {want: run.StatusInterrupted},
		"running auto resume": {autoResume: true, want: run.StatusInterrupted, wantRunNext: true},
		"cancelling": {
			autoResume: true,
			request:    func(s *memory.Store, id int64) { s.RequestCancel(context.Background(), id) },
			want:       run.StatusCancelled,
			wantEnded:  true,
		},
		"pausing": {
			autoResume: true,
			request:    func(s *memory.Store, id int64) { s.RequestPause(context.Background(), id) },
			want:       run.StatusPaused,
		},
	}
	for name, tt := range tests {
		h := newHarness(t, Options{AutoResume: tt.autoResume})
		ctx, cancel := context.WithCancel(context.Background())
		var id int64
		h.register(t, "maintenance.Sweep", func() task.Task {
			return &fakeTask{items: []int{1, 2, 3, 4, 5}, seen: &h.seen, process: func(_ context.Context, item int) error {
				if item == 2 {
					if tt.request != nil {
						tt.request(h.store, id)
					}
					cancel()
				}
				return nil
			}}
		})
		id = h.enqueue(t, "maintenance.Sweep")

		r := h.perform(t, ctx, id)
		cancel()

		if r.Status != tt.want {
			t.Fatalf("%s: expected %s, got %s", name, tt.want, r.Status)
		}
		assertCursor(t, r, "1")
		if r.TickCount != 2 {
			t.Fatalf("%s: expected tick count 2, got %d", name, r.TickCount)
		}
		if (r.EndedAt != nil) != tt.wantEnded {
			t.Fatalf("%s: expected ended_at set=%v, got %v", name, tt.wantEnded, r.EndedAt)
		}
		if tt.wantRunNext {
			if r.RunAfter == nil || !r.RunAfter.Equal(h.clock.Now()) {
				t.Fatalf("%s: expected immediate run_after, got %v", name, r.RunAfter)
			}
		} else if r.RunAfter != nil {
			t.Fatalf("%s: expected no run_after, got %v", name, r.RunAfter)
		}
		if len(h.seen) != 2 {
			t.Fatalf("%s: expected the loop to stop after item 2, saw %v", name, h.seen)
		}
	}
}

func TestPerformSkipsTerminalRun(t *testing.T) {
	h := newHarness(t, Options{})
	built := 0
	h.register(t, "maintenance.Sweep", func() task.Task {
		built++
		return &fakeTask{items: []int{1}, seen: &h.seen}
	})
	id := h.enqueue(t, "maintenance.Sweep")
	if _, err := h.store.MarkRunning(context.Background(), id, "job-0"); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if _, err := h.store.Succeed(context.Background(), id, "job-0"); err != nil {
		t.Fatalf("succeed: %v", err)
	}

	r := h.perform(t, context.Background(), id)
	if r.Status != run.StatusSucceeded {
		t.Fatalf("expected status to stay succeeded, got %s", r.Status)
	}
	if built != 0 {
		t.Fatalf("expected task not to be instantiated, got %d", built)
	}
}

func TestPerformDiscardsFailureOfFinishedRun(t *testing.T) {
	h := newHarness(t, Options{})
	broker := events.NewBroker(20)
	h.jobs.WithEvents(broker)
	var id int64
	h.register(t, "maintenance.Sweep", func() task.Task {
		return &fakeTask{items: []int{1, 2}, seen: &h.seen, process: func(ctx context.Context, item int) error {
			r, err := h.store.Get(ctx, id)
			if err != nil {
				return err
			}
			// The run finishes elsewhere while this item is failing.
			if _, err := h.store.Succeed(ctx, id, *r.JobID); err != nil {
				return err
			}
			return errors.New("late failure")
		}}
	})
	id = h.enqueue(t, "maintenance.Sweep")

	r := h.perform(t, context.Background(), id)

	if r.Status != run.StatusSucceeded || r.ErrorClass != nil {
		t.Fatalf("expected succeeded run without error, got %s %v", r.Status, r.ErrorClass)
	}
	if len(h.reports) != 0 {
		t.Fatalf("expected no error report, got %d", len(h.reports))
	}
	_, unsubscribe, snapshot := broker.Subscribe()
	defer unsubscribe()
	for _, e := range snapshot {
		if e.Type == events.TypeRunErrored {
			t.Fatalf("expected no errored event, got %+v", e)
		}
	}
}

func TestPerformMissingRun(t *testing.T) {
	h := newHarness(t, Options{})
	err := h.jobs.Perform(context.Background(), 42)
	if !errors.Is(err, queue.ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestPerformPersistsEveryMaxTicks(t *testing.T) {
	h := newHarness(t, Options{TickerMaxTicks: 2})
	broker := events.NewBroker(50)
	h.jobs.WithEvents(broker)
	var id int64
	var observed []int64
	h.register(t, "maintenance.Sweep", func() task.Task {
		return &fakeTask{items: []int{1, 2, 3, 4, 5}, seen: &h.seen, process: func(ctx context.Context, item int) error {
			r, err := h.store.Get(ctx, id)
			if err != nil {
				return err
			}
			observed = append(observed, r.TickCount)
			return nil
		}}
	})
	id = h.enqueue(t, "maintenance.Sweep")

	r := h.perform(t, context.Background(), id)

	want := []int64{0, 0, 2, 2, 4}
	for i := range want {
		if observed[i] != want[i] {
			t.Fatalf("expected persisted counts %v, got %v", want, observed)
		}
	}
	if r.TickCount != 5 {
		t.Fatalf("expected final tick count 5, got %d", r.TickCount)
	}

	_, unsubscribe, snapshot := broker.Subscribe()
	defer unsubscribe()
	if len(snapshot) < 2 {
		t.Fatalf("expected lifecycle events, got %v", snapshot)
	}
	if snapshot[0].Type != events.TypeRunStarted {
		t.Fatalf("expected first event %s, got %s", events.TypeRunStarted, snapshot[0].Type)
	}
	last := snapshot[len(snapshot)-1]
	if last.Type != events.TypeRunSucceeded || last.RunID != id {
		t.Fatalf("expected last event %s for run %d, got %+v", events.TypeRunSucceeded, id, last)
	}
	progress := 0
	for _, e := range snapshot {
		if e.Type == events.TypeRunProgress {
			progress++
		}
	}
	if progress != 3 {
		t.Fatalf("expected 3 progress events, got %d", progress)
	}
}

func TestPerformRecordsSpan(t *testing.T) {
	h := newHarness(t, Options{})
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	h.jobs.WithTracerProvider(tp)
	h.register(t, "maintenance.Sweep", func() task.Task {
		return &fakeTask{items: []int{1, 2}, seen: &h.seen, process: func(ctx context.Context, item int) error {
			if item == 2 {
				return errors.New("bad row")
			}
			return nil
		}}
	})
	id := h.enqueue(t, "maintenance.Sweep")
	h.perform(t, context.Background(), id)

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name() != "maint.run.perform" {
		t.Fatalf("unexpected span name %q", span.Name())
	}
	if span.Status().Code != codes.Error {
		t.Fatalf("expected error status, got %v", span.Status())
	}
	attrs := map[string]string{}
	for _, kv := range span.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["maint.task"] != "maintenance.Sweep" {
		t.Fatalf("expected task attribute, got %v", attrs)
	}
	if attrs["maint.run.status"] != string(run.StatusErrored) {
		t.Fatalf("expected errored status attribute, got %v", attrs)
	}
	if attrs["maint.run.items"] != "1" {
		t.Fatalf("expected 1 item attribute, got %v", attrs)
	}
}

func TestStatsRecordAttempt(t *testing.T) {
	s := &Stats{}
	s.RecordAttempt("maintenance.Sweep", run.StatusSucceeded, 5, 20*time.Millisecond)
	s.RecordAttempt("maintenance.Sweep", run.StatusPaused, 2, 10*time.Millisecond)

	snap := s.Snapshot()
	if snap.Items != 7 {
		t.Fatalf("expected 7 items, got %d", snap.Items)
	}
	if snap.Outcomes[run.StatusSucceeded] != 1 || snap.Outcomes[run.StatusPaused] != 1 {
		t.Fatalf("unexpected outcomes %v", snap.Outcomes)
	}
	if snap.Attempt["p50"] != 20 {
		t.Fatalf("expected p50 20ms, got %v", snap.Attempt)
	}
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.WorkerID = "test-worker"
	cfg.MaxConcurrency = 2
	cfg.PollMinBackoff = 5 * time.Millisecond
	cfg.PollMaxBackoff = 20 * time.Millisecond
	cfg.LeaseSeconds = 30
	cfg.HeartbeatSeconds = 10
	cfg.ReclaimIntervalSeconds = 0
	cfg.ShutdownTimeout = time.Second
	return cfg
}

func TestRunnerStartStopsOnCancelledContext(t *testing.T) {
	store := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	jobs := NewJobRunner(store, task.NewRegistry(""), logger, Options{})
	r := New(testConfig(), store, jobs, logger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("expected nil error on shutdown, got %v", err)
	}
}

func TestRunnerPerformsClaimedRuns(t *testing.T) {
	store := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := task.NewRegistry("")
	var mu sync.Mutex
	processed := 0
	registry.MustRegister("maintenance.Count", func() task.Task {
		return &callbackTask{fn: func() {
			mu.Lock()
			processed++
			mu.Unlock()
		}}
	})
	ids := make([]int64, 3)
	for i := range ids {
		created, err := store.Create(context.Background(), queue.NewRun{TaskName: "maintenance.Count"})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids[i] = created.ID
	}

	jobs := NewJobRunner(store, registry, logger, Options{})
	r := New(testConfig(), store, jobs, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		counts, _ := store.CountByStatus(context.Background())
		if counts[run.StatusSucceeded] == int64(len(ids)) {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("runs did not finish: %v", counts)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("start: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if processed != 3*len(ids) {
		t.Fatalf("expected %d items processed, got %d", 3*len(ids), processed)
	}
	for _, id := range ids {
		got, _ := store.Get(context.Background(), id)
		if got.Attempts != 1 || got.LeasedBy != nil {
			t.Fatalf("run %d: expected one released attempt, got attempts=%d leased_by=%v", id, got.Attempts, got.LeasedBy)
		}
	}
}

// callbackTask walks a fixed callback collection of three items.
type callbackTask struct {
	fn func()
}

func (c *callbackTask) Collection(ctx context.Context) (collection.Collection, error) {
	return collection.Callback(func(ctx context.Context, cursor *string) (collection.Enumerator, error) {
		items := []collection.Item{{Value: "a", Cursor: "a"}, {Value: "b", Cursor: "b"}, {Value: "c", Cursor: "c"}}
		if cursor != nil {
			for i, item := range items {
				if item.Cursor == *cursor {
					items = items[i+1:]
					break
				}
			}
		}
		return collection.Items(items), nil
	}), nil
}

func (c *callbackTask) Process(ctx context.Context, item any) error {
	c.fn()
	return nil
}

// stallingTask processes one item and then blocks until its attempt is
// cancelled.
type stallingTask struct {
	stalled chan struct{}
}

func (s *stallingTask) Collection(ctx context.Context) (collection.Collection, error) {
	return collection.Callback(func(ctx context.Context, cursor *string) (collection.Enumerator, error) {
		sent := false
		return collection.EnumeratorFunc(func(ctx context.Context) (collection.Item, bool, error) {
			if !sent {
				sent = true
				return collection.Item{Value: "a", Cursor: "a"}, true, nil
			}
			close(s.stalled)
			<-ctx.Done()
			return collection.Item{}, false, ctx.Err()
		}), nil
	}), nil
}

func (s *stallingTask) Process(ctx context.Context, item any) error { return nil }

func TestRunnerStopsAttemptAfterLeaseLoss(t *testing.T) {
	c := &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := memory.NewWithClock(c.Now)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := task.NewRegistry("")
	stalled := make(chan struct{})
	registry.MustRegister("maintenance.Stall", func() task.Task { return &stallingTask{stalled: stalled} })
	created, err := store.Create(context.Background(), queue.NewRun{TaskName: "maintenance.Stall"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	jobs := NewJobRunner(store, registry, logger, Options{})
	jobs.now = c.Now
	r := New(testConfig(), store, jobs, logger)
	r.heartbeatEvery = 5 * time.Millisecond

	claimed, err := store.Claim(context.Background(), "test-worker", 30)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		r.runClaimed(ctx, claimed)
		close(done)
	}()

	select {
	case <-stalled:
	case <-time.After(5 * time.Second):
		t.Fatal("attempt never reached its second item")
	}
	// Heartbeats keep renewing the lease, so expire it and reclaim in one
	// step under the store's clock.
	deadline := time.Now().Add(5 * time.Second)
	for {
		c.mu.Lock()
		c.now = c.now.Add(31 * time.Second)
		c.mu.Unlock()
		if n, _ := store.Reclaim(context.Background()); n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("lease was never reclaimed")
		}
	}
	if _, err := store.Claim(context.Background(), "w-b", 30); err != nil {
		t.Fatalf("claim by new owner: %v", err)
	}
	if _, err := store.MarkRunning(context.Background(), created.ID, "job-b"); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("attempt kept running after losing its lease")
	}
	got, _ := store.Get(context.Background(), created.ID)
	if got.Status != run.StatusRunning || got.Cursor != nil {
		t.Fatalf("expected the new owner's run to be untouched, got status=%s cursor=%v", got.Status, got.Cursor)
	}
	if got.LeasedBy == nil || *got.LeasedBy != "w-b" || got.JobID == nil || *got.JobID != "job-b" {
		t.Fatalf("expected w-b to keep ownership, got leased_by=%v job_id=%v", got.LeasedBy, got.JobID)
	}
}
