package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"maintenance-worker/internal/queue"
	"maintenance-worker/internal/run"
)

// runAdmin is what the operator commands need from a run store. Both
// queue.Service and memory.Store implement it.
type runAdmin interface {
	Create(ctx context.Context, nr queue.NewRun) (*run.Run, error)
	Get(ctx context.Context, id int64) (*run.Run, error)
	List(ctx context.Context, opts queue.ListOptions) ([]run.Run, error)
	RequestPause(ctx context.Context, id int64) (run.Status, error)
	RequestCancel(ctx context.Context, id int64) (run.Status, error)
	Resume(ctx context.Context, id int64) (run.Status, error)
	Retry(ctx context.Context, id int64) (*run.Run, error)
}

// withService parses the shared --config/--dsn flags plus any command flags
// bound by bind, connects, and calls fn with the Postgres queue.
func withService(name string, args []string, bind func(fs *flag.FlagSet), fn func(ctx context.Context, q *queue.Service, fs *flag.FlagSet) error) {
	cfg, configPath := loadConfig(args)
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.String("config", configPath, "Path to maint config file")
	fs.StringVar(&cfg.DatabaseURL, "dsn", cfg.DatabaseURL, "Postgres DSN")
	if bind != nil {
		bind(fs)
	}
	if err := fs.Parse(args); err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	pool, err := openPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	if err := fn(ctx, queue.NewService(pool), fs); err != nil {
		log.Fatal(err)
	}
}

func runMigrate(args []string) {
	withService("migrate", args, nil, func(ctx context.Context, q *queue.Service, _ *flag.FlagSet) error {
		if err := q.Migrate(ctx); err != nil {
			return err
		}
		fmt.Println("Schema is up to date.")
		return nil
	})
}

func runEnqueue(args []string) {
	var taskName, inputPath string
	var after time.Duration
	withService("enqueue", args, func(fs *flag.FlagSet) {
		fs.StringVar(&taskName, "task", "", "Qualified task name, e.g. maintenance.Echo")
		fs.StringVar(&inputPath, "input", "", "File whose content is attached to the run ('-' for stdin)")
		fs.DurationVar(&after, "after", 0, "Delay before the run becomes claimable")
	}, func(ctx context.Context, q *queue.Service, _ *flag.FlagSet) error {
		input, err := readInput(inputPath, os.Stdin)
		if err != nil {
			return err
		}
		return enqueueRun(ctx, q, os.Stdout, taskName, input, after, time.Now())
	})
}

func readInput(path string, stdin io.Reader) ([]byte, error) {
	switch path {
	case "":
		return nil, nil
	case "-":
		return io.ReadAll(stdin)
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}
		return data, nil
	}
}

func enqueueRun(ctx context.Context, store runAdmin, w io.Writer, taskName string, input []byte, after time.Duration, now time.Time) error {
	if taskName == "" {
		return fmt.Errorf("--task required")
	}
	if after < 0 {
		return fmt.Errorf("--after must not be negative")
	}
	nr := queue.NewRun{TaskName: taskName, Input: input}
	if after > 0 {
		runAfter := now.Add(after)
		nr.RunAfter = &runAfter
	}
	created, err := store.Create(ctx, nr)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Enqueued run %d (%s)\n", created.ID, created.TaskName)
	return nil
}

func runControl(action string, args []string) {
	var id int64
	withService(action, args, func(fs *flag.FlagSet) {
		fs.Int64Var(&id, "id", 0, "Run ID")
	}, func(ctx context.Context, q *queue.Service, _ *flag.FlagSet) error {
		return controlRun(ctx, q, os.Stdout, action, id)
	})
}

func controlRun(ctx context.Context, store runAdmin, w io.Writer, action string, id int64) error {
	if id <= 0 {
		return fmt.Errorf("--id required")
	}
	var status run.Status
	var err error
	switch action {
	case "pause":
		status, err = store.RequestPause(ctx, id)
	case "cancel":
		status, err = store.RequestCancel(ctx, id)
	case "resume":
		status, err = store.Resume(ctx, id)
	default:
		return fmt.Errorf("unknown action %q", action)
	}
	if errors.Is(err, queue.ErrRunNotFound) {
		return fmt.Errorf("run %d not found", id)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Run %d is now %s\n", id, status)
	return nil
}

func runStatus(args []string) {
	var id int64
	withService("status", args, func(fs *flag.FlagSet) {
		fs.Int64Var(&id, "id", 0, "Run ID")
	}, func(ctx context.Context, q *queue.Service, _ *flag.FlagSet) error {
		if id <= 0 {
			return fmt.Errorf("--id required")
		}
		r, err := q.Get(ctx, id)
		if err != nil {
			return err
		}
		printRun(os.Stdout, r)
		return nil
	})
}

func printRun(w io.Writer, r *run.Run) {
	fmt.Fprintf(w, "Run ID: %d\n", r.ID)
	fmt.Fprintf(w, "Task: %s\n", r.TaskName)
	fmt.Fprintf(w, "Status: %s\n", r.Status)
	fmt.Fprintf(w, "Progress: %s\n", progressString(r))
	fmt.Fprintf(w, "Time Running: %s\n", (time.Duration(r.TimeRunning * float64(time.Second))).Round(time.Millisecond))
	fmt.Fprintf(w, "Attempts: %d\n", r.Attempts)
	fmt.Fprintf(w, "Cursor: %s\n", deref(r.Cursor))
	fmt.Fprintf(w, "Started At: %s\n", formatTime(r.StartedAt))
	fmt.Fprintf(w, "Ended At: %s\n", formatTime(r.EndedAt))
	fmt.Fprintf(w, "Run After: %s\n", formatTime(r.RunAfter))
	if r.ErrorClass != nil {
		fmt.Fprintf(w, "Error Class: %s\n", *r.ErrorClass)
		fmt.Fprintf(w, "Error: %s\n", deref(r.ErrorMessage))
	}
}

func progressString(r *run.Run) string {
	if r.TickTotal == nil {
		return fmt.Sprintf("%d/?", r.TickCount)
	}
	pct, _ := r.Progress()
	return fmt.Sprintf("%d/%d (%.1f%%)", r.TickCount, *r.TickTotal, pct*100)
}

func runList(args []string) {
	var statuses, taskName string
	var limit int
	withService("list", args, func(fs *flag.FlagSet) {
		fs.StringVar(&statuses, "status", "", "Comma-separated statuses to include")
		fs.StringVar(&taskName, "task", "", "Filter by task name")
		fs.IntVar(&limit, "limit", 50, "Max runs to list")
	}, func(ctx context.Context, q *queue.Service, _ *flag.FlagSet) error {
		parsed, err := parseStatuses(statuses)
		if err != nil {
			return err
		}
		return listRuns(ctx, q, os.Stdout, queue.ListOptions{Statuses: parsed, TaskName: taskName, Limit: limit})
	})
}

func parseStatuses(value string) ([]run.Status, error) {
	var out []run.Status
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		status := run.Status(part)
		if !status.Valid() {
			return nil, fmt.Errorf("unknown status %q", part)
		}
		out = append(out, status)
	}
	return out, nil
}

func listRuns(ctx context.Context, store runAdmin, w io.Writer, opts queue.ListOptions) error {
	runs, err := store.List(ctx, opts)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTask\tStatus\tProgress\tUpdated")
	for i := range runs {
		r := &runs[i]
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", r.ID, r.TaskName, r.Status, progressString(r), r.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func runTasks(args []string) {
	cfg, configPath := loadConfig(args)
	fs := flag.NewFlagSet("tasks", flag.ExitOnError)
	fs.String("config", configPath, "Path to maint config file")
	fs.StringVar(&cfg.TaskNamespace, "namespace", cfg.TaskNamespace, "Task namespace")
	withDB := fs.Bool("with-db", false, "Include tasks that need Postgres")
	if err := fs.Parse(args); err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	logger := quietLogger()
	if !*withDB {
		reg, err := newRegistry(cfg, logger, nil, nil)
		if err != nil {
			log.Fatal(err)
		}
		printLines(os.Stdout, reg.Available())
		return
	}
	pool, err := openPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()
	reg, err := newRegistry(cfg, logger, pool, queue.NewService(pool))
	if err != nil {
		log.Fatal(err)
	}
	printLines(os.Stdout, reg.Available())
}

func printLines(w io.Writer, lines []string) {
	for _, line := range lines {
		fmt.Fprintln(w, line)
	}
}

func runTriage(args []string) {
	if len(args) == 0 {
		fmt.Println("usage: maint triage <list|inspect> [args]")
		return
	}

	switch args[0] {
	case "list":
		var limit int
		var taskName string
		withService("triage list", args[1:], func(fs *flag.FlagSet) {
			fs.IntVar(&limit, "limit", 50, "Max runs to list")
			fs.StringVar(&taskName, "task", "", "Filter by task name")
		}, func(ctx context.Context, q *queue.Service, _ *flag.FlagSet) error {
			items, err := q.ListErroredRuns(ctx, limit, taskName)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Println("No errored runs.")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTask\tAttempts\tItems\tEndedAt\tError")
			for _, item := range items {
				fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%s\t%s\n", item.ID, item.TaskName, item.Attempts, item.TickCount, formatTime(item.EndedAt), item.Summary)
			}
			return tw.Flush()
		})
	case "inspect":
		var id int64
		withService("triage inspect", args[1:], func(fs *flag.FlagSet) {
			fs.Int64Var(&id, "id", 0, "Run ID to inspect")
		}, func(ctx context.Context, q *queue.Service, _ *flag.FlagSet) error {
			if id <= 0 {
				return fmt.Errorf("--id required")
			}
			r, err := q.InspectErroredRun(ctx, id)
			if err != nil {
				return err
			}
			printRun(os.Stdout, r)
			fmt.Printf("Backtrace:\n%s\n", deref(r.Backtrace))
			return nil
		})
	default:
		fmt.Println("usage: maint triage <list|inspect> [args]")
	}
}

func runRetry(args []string) {
	var id int64
	withService("retry", args, func(fs *flag.FlagSet) {
		fs.Int64Var(&id, "id", 0, "Errored or cancelled run to start over")
	}, func(ctx context.Context, q *queue.Service, _ *flag.FlagSet) error {
		return retryRun(ctx, q, os.Stdout, id)
	})
}

func retryRun(ctx context.Context, store runAdmin, w io.Writer, id int64) error {
	if id <= 0 {
		return fmt.Errorf("--id required")
	}
	created, err := store.Retry(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Retried run %d as new run %d\n", id, created.ID)
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
