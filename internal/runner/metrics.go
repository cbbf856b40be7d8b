package runner

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"maintenance-worker/internal/run"
)

// Stats keeps in-process attempt counters and latencies for the shutdown report.
type Stats struct {
	mu sync.Mutex

	Claimed  int64
	Outcomes map[run.Status]int64
	Items    int64

	// Latencies in milliseconds
	ClaimLatencies   []int64
	AttemptLatencies []int64
}

func (s *Stats) RecordClaim(latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Claimed++
	s.ClaimLatencies = append(s.ClaimLatencies, latency.Milliseconds())
	runsClaimed.Inc()
	claimDuration.Observe(latency.Seconds())
}

func (s *Stats) RecordAttempt(taskName string, status run.Status, items int64, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Outcomes == nil {
		s.Outcomes = make(map[run.Status]int64)
	}
	s.Outcomes[status]++
	s.Items += items
	s.AttemptLatencies = append(s.AttemptLatencies, elapsed.Milliseconds())
	attemptsFinished.WithLabelValues(taskName, string(status)).Inc()
	attemptDuration.WithLabelValues(taskName).Observe(elapsed.Seconds())
}

type StatsSnapshot struct {
	Claimed  int64                `json:"claimed"`
	Outcomes map[run.Status]int64 `json:"outcomes"`
	Items    int64                `json:"items"`
	Claim    map[string]int64     `json:"claim_ms,omitempty"`
	Attempt  map[string]int64     `json:"attempt_ms,omitempty"`
}

func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	outcomes := make(map[run.Status]int64, len(s.Outcomes))
	for k, v := range s.Outcomes {
		outcomes[k] = v
	}
	return StatsSnapshot{
		Claimed:  s.Claimed,
		Outcomes: outcomes,
		Items:    s.Items,
		Claim:    summarize(s.ClaimLatencies),
		Attempt:  summarize(s.AttemptLatencies),
	}
}

func (s *Stats) Report(logger *slog.Logger) {
	snap := s.Snapshot()
	logger.Info("Worker report",
		"claimed", snap.Claimed,
		"items", snap.Items,
		"outcomes", snap.Outcomes,
		"claim_ms", snap.Claim,
		"attempt_ms", snap.Attempt,
	)
}

func summarize(latencies []int64) map[string]int64 {
	if len(latencies) == 0 {
		return nil
	}
	sorted := append([]int64(nil), latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return map[string]int64{
		"p50": sorted[len(sorted)*50/100],
		"p95": sorted[len(sorted)*95/100],
		"p99": sorted[len(sorted)*99/100],
	}
}
