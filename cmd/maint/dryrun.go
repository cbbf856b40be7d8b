package main

import (
	"context"
	"flag"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"maintenance-worker/internal/logging"
	"maintenance-worker/internal/queue"
	"maintenance-worker/internal/queue/memory"
	"maintenance-worker/internal/run"
	"maintenance-worker/internal/runner"
)

// runDryRun performs one run of a built-in task against the in-memory store,
// in the foreground, without touching Postgres. Throttled attempts are
// retried in-process once their backoff elapses.
func runDryRun(args []string) {
	cfg, configPath := loadConfig(args)
	fs := flag.NewFlagSet("dry-run", flag.ExitOnError)
	fs.String("config", configPath, "Path to maint config file")
	taskName := fs.String("task", "", "Qualified task name, e.g. maintenance.Echo")
	inputPath := fs.String("input", "", "File whose content is attached to the run ('-' for stdin)")
	fs.StringVar(&cfg.TaskNamespace, "namespace", cfg.TaskNamespace, "Task namespace")
	fs.DurationVar(&cfg.TickerDelay, "ticker-delay", cfg.TickerDelay, "Max time between progress writes")
	fs.Int64Var(&cfg.TickerMaxTicks, "ticker-max-ticks", cfg.TickerMaxTicks, "Write progress after this many items (0 = time only)")
	if err := fs.Parse(args); err != nil {
		log.Fatal(err)
	}
	if *taskName == "" {
		log.Fatal("--task required")
	}
	input, err := readInput(*inputPath, os.Stdin)
	if err != nil {
		log.Fatal(err)
	}

	logger := logging.New(os.Stderr, "dry-run", logging.ParseLevel(os.Getenv("MAINT_LOG_LEVEL")))
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg, err := newRegistry(cfg, logger, nil, nil)
	if err != nil {
		log.Fatal(err)
	}
	store := memory.New()
	created, err := store.Create(ctx, queue.NewRun{TaskName: *taskName, Input: input})
	if err != nil {
		log.Fatal(err)
	}
	jobs := runner.NewJobRunner(store, reg, logger, jobOptions(cfg))

	final, err := dryRun(ctx, store, jobs, created.ID, sleepCtx)
	if err != nil {
		log.Fatal(err)
	}
	printRun(os.Stdout, final)
	if final.Status == run.StatusErrored {
		os.Exit(1)
	}
}

// dryRun performs attempts until the run is finished or needs an operator.
func dryRun(ctx context.Context, store *memory.Store, jobs *runner.JobRunner, id int64, sleep func(context.Context, time.Duration) error) (*run.Run, error) {
	for {
		if err := jobs.Perform(ctx, id); err != nil {
			return nil, err
		}
		r, err := store.Get(context.WithoutCancel(ctx), id)
		if err != nil {
			return nil, err
		}
		if r.Status != run.StatusInterrupted || r.RunAfter == nil || ctx.Err() != nil {
			return r, nil
		}
		if err := sleep(ctx, time.Until(*r.RunAfter)); err != nil {
			return r, nil
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func quietLogger() *slog.Logger {
	return logging.New(io.Discard, "", slog.LevelError)
}
