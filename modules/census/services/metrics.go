package services

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type ingestMetrics struct {
	batchesIngested    prometheus.Counter
	batchesQuarantined prometheus.Counter
	attempts           prometheus.Counter
	retryableErrors    prometheus.Counter
	batchDuration      prometheus.Histogram
	validationRuns     *prometheus.CounterVec
}

// metrics is process-wide. promauto panics on duplicate registration, so the
// collectors are created exactly once.
var metrics = sync.OnceValue(func() *ingestMetrics {
	return &ingestMetrics{
		batchesIngested: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "census",
			Subsystem: "ingest",
			Name:      "batches_ingested_total",
			Help:      "Batches successfully moved from staging to production.",
		}),
		batchesQuarantined: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "census",
			Subsystem: "ingest",
			Name:      "batches_quarantined_total",
			Help:      "Batches moved to the failure table after exhausting retries.",
		}),
		attempts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "census",
			Subsystem: "ingest",
			Name:      "batch_attempts_total",
			Help:      "Individual ingestion attempts, including retries.",
		}),
		retryableErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "census",
			Subsystem: "ingest",
			Name:      "retryable_errors_total",
			Help:      "Attempts that failed with a retryable SQL state.",
		}),
		batchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "census",
			Subsystem: "ingest",
			Name:      "batch_duration_seconds",
			Help:      "Wall time to resolve one batch, across all attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		validationRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "census",
			Subsystem: "validation",
			Name:      "runs_total",
			Help:      "Validation procedure executions by outcome.",
		}, []string{"procedure", "outcome"}),
	}
})
