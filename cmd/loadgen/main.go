package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"maintenance-worker/internal/config"
	"maintenance-worker/internal/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	dsn := flag.String("dsn", cfg.DatabaseURL, "Postgres DSN")
	numRuns := flag.Int("runs", 1000, "Number of runs to enqueue")
	taskMix := flag.String("tasks", "Echo,CSVRows", "Comma-separated task names (qualified with --namespace)")
	namespace := flag.String("namespace", cfg.TaskNamespace, "Task namespace")
	items := flag.Int("items", 50, "Items per run")
	runAfterPercent := flag.Int("run-after-percent", 10, "Percentage of runs with run_after in the future")
	workers := flag.Int("workers", 4, "Concurrent inserters")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed")
	flag.Parse()

	if *dsn == "" {
		log.Fatal("DATABASE_URL is required via -dsn or env")
	}
	if *workers <= 0 {
		*workers = 1
	}
	taskNames := strings.Split(*taskMix, ",")

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, *dsn)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer pool.Close()
	q := queue.NewService(pool)

	log.Printf("Enqueuing %d runs with %d workers...", *numRuns, *workers)
	start := time.Now()

	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < *workers; w++ {
		r := rand.New(rand.NewSource(*seed + int64(w)))
		g.Go(func() error {
			for i := w; i < *numRuns; i += *workers {
				name := strings.TrimSpace(taskNames[r.Intn(len(taskNames))])
				nr := queue.NewRun{
					TaskName: *namespace + "." + name,
					Input:    inputFor(name, *items, i),
				}
				if r.Intn(100) < *runAfterPercent {
					after := time.Now().Add(time.Duration(r.Intn(3600)) * time.Second)
					nr.RunAfter = &after
				}
				if _, err := q.Create(gctx, nr); err != nil {
					return fmt.Errorf("enqueue run %d: %w", i, err)
				}
				if n := done.Add(1); n%100 == 0 {
					fmt.Printf(".")
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatal(err)
	}

	fmt.Println()
	log.Printf("Done in %v", time.Since(start))
}

// inputFor builds run input sized to n items for the built-in tasks.
func inputFor(taskName string, n, seq int) []byte {
	switch taskName {
	case "CSVRows":
		var b strings.Builder
		b.WriteString("id,name\n")
		for i := 0; i < n; i++ {
			fmt.Fprintf(&b, "%d,row-%d-%d\n", i+1, seq, i)
		}
		return []byte(b.String())
	case "Echo":
		values := make([]string, n)
		for i := range values {
			values[i] = fmt.Sprintf("item-%d-%d", seq, i)
		}
		data, _ := json.Marshal(map[string]any{"items": values})
		return data
	default:
		return nil
	}
}
