package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"maintenance-worker/internal/collection"
	"maintenance-worker/internal/collection/pgpage"
	"maintenance-worker/internal/task"
)

const (
	defaultRetention  = 30 * 24 * time.Hour
	purgePageSize     = 500
	purgeRatePerSec   = 200
	purgeBurst        = 1000
	purgeThrottleWait = 10 * time.Second
)

const finishedRunsFilter = `status IN ('succeeded', 'cancelled', 'errored') AND ended_at < $1`

// PurgeRuns deletes finished runs older than a retention period, walking
// maintenance_runs by id. Deletes are rate limited; once the bucket is empty
// the run is throttled and picked up again later. Input is optional JSON:
//
//	{"older_than": "720h"}
type PurgeRuns struct {
	task.Throttle
	db        DB
	logger    *slog.Logger
	retention time.Duration
	err       error
}

func NewPurgeRuns(db DB, logger *slog.Logger) *PurgeRuns {
	return &PurgeRuns{
		Throttle:  task.RateThrottle(rate.NewLimiter(purgeRatePerSec, purgeBurst), purgeThrottleWait),
		db:        db,
		logger:    logger,
		retention: defaultRetention,
	}
}

func (p *PurgeRuns) SetInput(content []byte) {
	if len(content) == 0 {
		return
	}
	var in struct {
		OlderThan string `json:"older_than"`
	}
	if err := json.Unmarshal(content, &in); err != nil {
		p.err = fmt.Errorf("parse purge input: %w", err)
		return
	}
	if in.OlderThan == "" {
		return
	}
	d, err := time.ParseDuration(in.OlderThan)
	if err != nil || d <= 0 {
		p.err = fmt.Errorf("invalid older_than %q", in.OlderThan)
		return
	}
	p.retention = d
}

func (p *PurgeRuns) cutoff() time.Time {
	return time.Now().Add(-p.retention)
}

func (p *PurgeRuns) Collection(ctx context.Context) (collection.Collection, error) {
	if p.err != nil {
		return collection.Collection{}, p.err
	}
	return collection.Paged(&pgpage.Table{
		DB:        p.db,
		Name:      "maintenance_runs",
		KeyColumn: "id",
		Where:     finishedRunsFilter,
		Args:      []any{p.cutoff()},
	}, purgePageSize), nil
}

func (p *PurgeRuns) Count(ctx context.Context) (int64, bool, error) {
	if p.err != nil {
		return 0, false, nil
	}
	var n int64
	if err := p.db.QueryRow(ctx, `SELECT COUNT(*) FROM maintenance_runs WHERE `+finishedRunsFilter, p.cutoff()).Scan(&n); err != nil {
		return 0, false, fmt.Errorf("count finished runs: %w", err)
	}
	return n, true, nil
}

func (p *PurgeRuns) Process(ctx context.Context, item any) error {
	id, err := runID(item)
	if err != nil {
		return err
	}
	// The status guard keeps a retried run from being deleted under a worker.
	if _, err := p.db.Exec(ctx, `
		DELETE FROM maintenance_runs
		WHERE id = $1 AND status IN ('succeeded', 'cancelled', 'errored')
	`, id); err != nil {
		return fmt.Errorf("delete run %d: %w", id, err)
	}
	return nil
}

// runID reads the id of a row decoded from to_jsonb.
func runID(item any) (int64, error) {
	row, ok := item.(map[string]any)
	if !ok {
		return 0, fmt.Errorf("purge: unexpected item %T", item)
	}
	switch v := row["id"].(type) {
	case float64:
		return int64(v), nil
	case json.Number:
		return v.Int64()
	default:
		return 0, fmt.Errorf("purge: row without numeric id: %v", row["id"])
	}
}
