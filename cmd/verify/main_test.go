package main

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"maintenance-worker/internal/queue"
)

func TestChecksPassOnFreshRuns(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	svc := queue.NewService(pool)
	if err := svc.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := pool.Exec(ctx, `DELETE FROM maintenance_runs`); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	t.Cleanup(func() { _, _ = pool.Exec(context.Background(), `DELETE FROM maintenance_runs`) })

	if _, err := svc.Create(ctx, queue.NewRun{TaskName: "maintenance.Echo"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	failed, err := runChecks(ctx, pool, checks)
	if err != nil {
		t.Fatalf("checks: %v", err)
	}
	if failed != 0 {
		t.Fatalf("expected all checks to pass, %d failed", failed)
	}

	// An errored run without a class breaks one check.
	if _, err := pool.Exec(ctx, `
		INSERT INTO maintenance_runs (task_name, status, ended_at)
		VALUES ('maintenance.Echo', 'errored', NOW())
	`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	failed, err = runChecks(ctx, pool, checks)
	if err != nil {
		t.Fatalf("checks: %v", err)
	}
	if failed != 1 {
		t.Fatalf("expected one failed check, got %d", failed)
	}
}
