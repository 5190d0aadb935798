package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "giftflow_jobs_claimed_total",
		Help: "Total number of jobs claimed by this worker",
	}, []string{"kind"})

	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "giftflow_jobs_finished_total",
		Help: "Total number of jobs finished, by terminal outcome",
	}, []string{"kind", "outcome"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "giftflow_stage_duration_seconds",
		Help:    "Wall-clock duration of pipeline stages",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind", "stage"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "giftflow_queue_depth",
		Help: "Number of jobs per status",
	}, []string{"status"})

	LeasesReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "giftflow_leases_reaped_total",
		Help: "Jobs returned to pending by the lease reaper",
	})

	LeasesExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "giftflow_leases_exhausted_total",
		Help: "Jobs failed terminally by the reaper after exhausting retries",
	})
)
