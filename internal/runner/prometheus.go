package runner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maint_runs_claimed_total",
		Help: "Total number of runs claimed by this worker",
	})

	attemptsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maint_attempts_finished_total",
		Help: "Total number of attempts finished, by the status they left the run in",
	}, []string{"task", "status"})

	itemsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maint_items_processed_total",
		Help: "Total number of collection items processed",
	}, []string{"task"})

	throttledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maint_throttled_total",
		Help: "Total number of attempts that stopped because their throttle condition held",
	}, []string{"task"})

	claimDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "maint_claim_duration_seconds",
		Help:    "Time taken to claim a run from the store",
		Buckets: prometheus.DefBuckets,
	})

	attemptDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "maint_attempt_duration_seconds",
		Help:    "Wall time of one attempt of a run",
		Buckets: prometheus.ExponentialBuckets(0.05, 4, 10),
	}, []string{"task"})

	reclaimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maint_leases_reclaimed_total",
		Help: "Total number of expired leases reclaimed",
	})

	leaseLostTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maint_attempts_lease_lost_total",
		Help: "Total number of attempts abandoned because another attempt took over the run",
	})

	slotsInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "maint_worker_slots_in_use",
		Help: "Number of concurrency slots currently running an attempt",
	})
)
