package runner

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"maintenance-worker/internal/config"
	"maintenance-worker/internal/events"
	"maintenance-worker/internal/queue"
	"maintenance-worker/internal/run"
)

// Queue is the job infrastructure the worker pool needs on top of Store.
type Queue interface {
	Store
	Claim(ctx context.Context, workerID string, leaseSeconds int) (*run.Run, error)
	Heartbeat(ctx context.Context, id int64, workerID string, leaseSeconds int) (run.Status, error)
	Reclaim(ctx context.Context) (int64, error)
}

// Runner claims runs and performs them with bounded concurrency. Each claimed
// run is leased and kept alive by a heartbeat until its attempt finishes.
type Runner struct {
	cfg    *config.Config
	queue  Queue
	jobs   *JobRunner
	logger *slog.Logger
	events events.Publisher

	pool chan struct{}
	wg   sync.WaitGroup

	// heartbeatEvery overrides the configured heartbeat interval.
	heartbeatEvery time.Duration
}

func New(cfg *config.Config, q Queue, jobs *JobRunner, logger *slog.Logger) *Runner {
	concurrency := cfg.MaxConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Runner{
		cfg:    cfg,
		queue:  q,
		jobs:   jobs,
		logger: logger,
		events: events.NoopPublisher{},
		pool:   make(chan struct{}, concurrency),
	}
}

func (r *Runner) WithEvents(p events.Publisher) *Runner {
	r.events = p
	r.jobs.WithEvents(p)
	return r
}

// Start blocks until ctx is cancelled. In-flight attempts see the same
// cancellation, suspend at their next checkpoint, and are waited for up to
// the configured shutdown timeout.
func (r *Runner) Start(ctx context.Context) error {
	r.logger.Info("Starting maintenance worker", "concurrency", cap(r.pool), "worker_id", r.cfg.WorkerID)
	defer r.jobs.Stats().Report(r.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.runReaper(gctx) })
	g.Go(func() error { return r.pollLoop(gctx) })
	err := g.Wait()

	r.events.Publish(events.Event{Level: "info", Type: events.TypeWorkerStopping, Message: "Worker stopping", WorkerID: r.cfg.WorkerID})
	r.logger.Info("Worker received shutdown signal, waiting for runs to suspend...")
	if !r.waitInFlight(r.cfg.ShutdownTimeout) {
		r.logger.Warn("Shutdown timeout reached with runs still in flight; their leases will expire and be reclaimed")
	} else {
		r.logger.Info("All runs suspended")
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) waitInFlight(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	if timeout <= 0 {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (r *Runner) pollLoop(ctx context.Context) error {
	minBackoff, maxBackoff := r.cfg.PollMinBackoff, r.cfg.PollMaxBackoff
	if minBackoff <= 0 {
		minBackoff = 100 * time.Millisecond
	}
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}
	backoff := minBackoff

	for {
		select {
		case <-ctx.Done():
			return nil
		case r.pool <- struct{}{}:
		}

		claimed, err := r.poll(ctx)
		if err != nil {
			<-r.pool
			if !errors.Is(err, queue.ErrNoRuns) && ctx.Err() == nil {
				r.logger.Error("Error claiming run", "error", err)
			}
			// Add jitter to avoid a thundering herd of idle workers.
			wait := backoff + time.Duration(rand.Int63n(int64(backoff)/5+1))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = minBackoff

		r.wg.Add(1)
		slotsInUse.Inc()
		go func() {
			defer func() {
				slotsInUse.Dec()
				<-r.pool
				r.wg.Done()
			}()
			r.runClaimed(ctx, claimed)
		}()
	}
}

func (r *Runner) poll(ctx context.Context) (*run.Run, error) {
	start := time.Now()
	claimed, err := r.queue.Claim(ctx, r.cfg.WorkerID, r.cfg.LeaseSeconds)
	if err != nil {
		return nil, err
	}
	r.jobs.Stats().RecordClaim(time.Since(start))
	return claimed, nil
}

func (r *Runner) runClaimed(ctx context.Context, claimed *run.Run) {
	logger := r.logger.With("run_id", claimed.ID, "task", claimed.TaskName)
	logger.Info("Claimed run", "status", claimed.Status, "attempt", claimed.Attempts)

	// A lost lease stops the attempt at its next checkpoint. Its writes are
	// fenced by job id, so whatever it still tries to record is rejected.
	attemptCtx, stopAttempt := context.WithCancel(ctx)
	defer stopAttempt()

	// The lease must outlive worker shutdown until the attempt has suspended.
	hbCtx, hbCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer hbCancel()
	go r.runHeartbeat(hbCtx, logger, claimed.ID, stopAttempt)

	if err := r.jobs.Perform(attemptCtx, claimed.ID); err != nil {
		logger.Error("Attempt failed to record its outcome", "error", err)
	}
}

func (r *Runner) heartbeatInterval() time.Duration {
	if r.heartbeatEvery > 0 {
		return r.heartbeatEvery
	}
	if r.cfg.HeartbeatSeconds > 0 {
		return time.Duration(r.cfg.HeartbeatSeconds) * time.Second
	}
	lease := time.Duration(r.cfg.LeaseSeconds) * time.Second
	if lease <= 0 {
		return time.Minute
	}
	// Renew every 1/3 of lease
	return lease / 3
}

func (r *Runner) runHeartbeat(ctx context.Context, logger *slog.Logger, id int64, stopAttempt context.CancelFunc) {
	ticker := time.NewTicker(r.heartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.queue.Heartbeat(ctx, id, r.cfg.WorkerID, r.cfg.LeaseSeconds); err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, queue.ErrLeaseLost) {
					logger.Warn("Lease lost; stopping the attempt", "worker_id", r.cfg.WorkerID)
					stopAttempt()
					return
				}
				logger.Warn("Heartbeat failed", "error", err)
			}
		}
	}
}

func (r *Runner) runReaper(ctx context.Context) error {
	if r.cfg.ReclaimIntervalSeconds <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(time.Duration(r.cfg.ReclaimIntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			count, err := r.queue.Reclaim(ctx)
			if err != nil {
				if ctx.Err() == nil {
					r.logger.Error("Failed to reclaim expired leases", "error", err)
				}
				continue
			}
			if count > 0 {
				reclaimedTotal.Add(float64(count))
				r.logger.Info("Reclaimed expired leases", "count", count)
				r.events.Publish(events.Event{
					Level:    "warn",
					Type:     events.TypeRunReclaimed,
					Message:  "Reclaimed expired leases",
					WorkerID: r.cfg.WorkerID,
					Metadata: map[string]string{"count": strconv.FormatInt(count, 10)},
				})
			}
		}
	}
}
