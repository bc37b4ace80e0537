package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for queued_jobs_processed_total.
const (
	outcomeDone      = "done"
	outcomeFailed    = "failed"
	outcomeClaimLost = "claim_lost"
)

// Metrics are the worker's Prometheus collectors.
type Metrics struct {
	processed *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	reclaimed *prometheus.CounterVec
	cleaned   prometheus.Counter
	polls     *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		processed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "queued",
			Name:      "jobs_processed_total",
			Help:      "Jobs executed by this worker, by type and outcome.",
		}, []string{"jobtype", "outcome"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "queued",
			Name:      "job_duration_seconds",
			Help:      "Handler run time by job type.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"jobtype"}),
		reclaimed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "queued",
			Name:      "jobs_reclaimed_total",
			Help:      "Jobs claimed after a previous claim timed out.",
		}, []string{"jobtype"}),
		cleaned: f.NewCounter(prometheus.CounterOpts{
			Namespace: "queued",
			Name:      "jobs_cleaned_total",
			Help:      "Completed jobs removed by the retention sweep.",
		}),
		polls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "queued",
			Name:      "polls_total",
			Help:      "Claim attempts, by whether a job was claimed.",
		}, []string{"claimed"}),
	}
}
