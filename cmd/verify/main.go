package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"maintenance-worker/internal/config"
)

type check struct {
	name  string
	query string
}

// checks count rows that break an invariant of the run table. Every query
// must return zero on a healthy database.
var checks = []check{
	{
		name:  "running runs with expired leases",
		query: `SELECT count(*) FROM maintenance_runs WHERE status = 'running' AND leased_until < NOW() - INTERVAL '1 minute'`,
	},
	{
		name:  "finished runs still leased",
		query: `SELECT count(*) FROM maintenance_runs WHERE status IN ('succeeded', 'cancelled', 'errored') AND leased_by IS NOT NULL`,
	},
	{
		name:  "ended_at out of step with terminal status",
		query: `SELECT count(*) FROM maintenance_runs WHERE (status IN ('succeeded', 'cancelled', 'errored')) <> (ended_at IS NOT NULL)`,
	},
	{
		name:  "tick_count above tick_total",
		query: `SELECT count(*) FROM maintenance_runs WHERE tick_total IS NOT NULL AND tick_count > tick_total`,
	},
	{
		name:  "cursor on a run that never started",
		query: `SELECT count(*) FROM maintenance_runs WHERE cursor IS NOT NULL AND started_at IS NULL`,
	},
	{
		name:  "errored runs without an error class",
		query: `SELECT count(*) FROM maintenance_runs WHERE status = 'errored' AND error_class IS NULL`,
	},
	{
		name:  "unknown statuses",
		query: `SELECT count(*) FROM maintenance_runs WHERE status NOT IN ('enqueued', 'running', 'pausing', 'paused', 'cancelling', 'cancelled', 'interrupted', 'succeeded', 'errored')`,
	},
	{
		name: "schedules with more than one unfinished run",
		query: `SELECT count(*) FROM (
			SELECT schedule_name FROM maintenance_runs
			WHERE schedule_name IS NOT NULL AND status NOT IN ('succeeded', 'cancelled', 'errored')
			GROUP BY schedule_name HAVING count(*) > 1
		) s`,
	},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	dsn := flag.String("dsn", cfg.DatabaseURL, "Postgres DSN")
	flag.Parse()

	if *dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, *dsn)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer pool.Close()

	var total int64
	if err := pool.QueryRow(ctx, "SELECT count(*) FROM maintenance_runs").Scan(&total); err != nil {
		log.Fatalf("Failed to count runs: %v", err)
	}
	fmt.Printf("Total runs in DB: %d\n", total)

	failed, err := runChecks(ctx, pool, checks)
	if err != nil {
		log.Fatal(err)
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func runChecks(ctx context.Context, pool *pgxpool.Pool, checks []check) (int, error) {
	failed := 0
	for _, c := range checks {
		var n int64
		if err := pool.QueryRow(ctx, c.query).Scan(&n); err != nil {
			return failed, fmt.Errorf("check %q: %w", c.name, err)
		}
		if n > 0 {
			failed++
			fmt.Printf("[FAIL] %d %s\n", n, c.name)
			continue
		}
		fmt.Printf("[PASS] no %s\n", c.name)
	}
	return failed, nil
}
