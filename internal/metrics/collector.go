package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"maintenance-worker/internal/run"
)

const (
	defaultInterval = 2 * time.Second
	queryTimeout    = 2 * time.Second
)

var (
	runsByStatusGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "maint_runs",
		Help: "Number of runs in the store, by status.",
	}, []string{"status"})
	backlogGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "maint_runs_backlog",
		Help: "Number of runs waiting to be claimed (enqueued or interrupted).",
	})
	activeGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "maint_runs_active",
		Help: "Number of runs held by a worker (running, pausing or cancelling).",
	})
)

// StatusCounter is the part of the run store the collector reads.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[run.Status]int64, error)
}

func StartCollector(ctx context.Context, store StatusCounter, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = defaultInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := Collect(ctx, store); err != nil {
				logWarn(logger, "Run metrics collection failed", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Collect refreshes the gauges once. Statuses with no runs are reported as zero.
func Collect(ctx context.Context, store StatusCounter) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	counts, err := store.CountByStatus(queryCtx)
	if err != nil {
		return err
	}

	var backlog, active int64
	for _, status := range run.AllStatuses {
		count := counts[status]
		runsByStatusGauge.WithLabelValues(string(status)).Set(float64(count))
		switch {
		case status == run.StatusEnqueued || status == run.StatusInterrupted:
			backlog += count
		case status.Active():
			active += count
		}
	}
	backlogGauge.Set(float64(backlog))
	activeGauge.Set(float64(active))
	return nil
}

func logWarn(logger *slog.Logger, message string, err error) {
	if logger == nil || err == nil {
		return
	}
	logger.Warn(message, "error", err)
}
