package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"maintenance-worker/internal/collection"
	"maintenance-worker/internal/queue"
)

// overdueAfter is how late an enabled schedule may be before the audit
// reports that no beat process is enqueueing it.
const overdueAfter = 10 * time.Minute

// ScheduleAudit checks every schedule, in name order, for an unparsable cron
// expression or a fire time long in the past. It uses a callback collection
// whose cursor is the last audited schedule name.
type ScheduleAudit struct {
	schedules ScheduleLister
	logger    *slog.Logger
	now       func() time.Time
	problems  int
}

func (s *ScheduleAudit) Collection(ctx context.Context) (collection.Collection, error) {
	return collection.Callback(func(ctx context.Context, cursor *string) (collection.Enumerator, error) {
		all, err := s.schedules.ListSchedules(ctx)
		if err != nil {
			return nil, fmt.Errorf("list schedules: %w", err)
		}
		items := make([]collection.Item, 0, len(all))
		for _, sc := range all {
			if cursor != nil && sc.Name <= *cursor {
				continue
			}
			items = append(items, collection.Item{Value: sc, Cursor: sc.Name})
		}
		return collection.Items(items), nil
	}), nil
}

func (s *ScheduleAudit) Process(ctx context.Context, item any) error {
	sc, ok := item.(queue.Schedule)
	if !ok {
		return fmt.Errorf("schedule audit: unexpected item %T", item)
	}
	now := time.Now()
	if s.now != nil {
		now = s.now()
	}
	logger := s.logger.With("schedule", sc.Name, "task", sc.TaskName)
	if _, err := queue.NextFire(sc.CronExpr, now); err != nil {
		s.problems++
		logger.WarnContext(ctx, "Schedule has an invalid cron expression", "cron", sc.CronExpr, "error", err)
		return nil
	}
	if sc.Enabled && now.Sub(sc.NextRunAt) > overdueAfter {
		s.problems++
		logger.WarnContext(ctx, "Schedule is overdue; is a beat process running?", "next_run_at", sc.NextRunAt)
	}
	return nil
}

// Problems is the number of schedules flagged during this attempt.
func (s *ScheduleAudit) Problems() int {
	return s.problems
}
