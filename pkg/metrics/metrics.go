// Package metrics exposes clearmap's Prometheus metrics: extracted rows and
// emitted features per relation, sink flow control, job attempts and
// artifact sizes.
//
// # Basic Usage
//
//	metrics.RowsExtracted.WithLabelValues(rel.Database, rel.Table).Add(float64(batch.Len()))
//
//	timer := metrics.NewTimer()
//	runJob()
//	metrics.JobDuration.Observe(timer.Stop().Seconds())
//
// All metrics are registered with the default registry on package
// initialization and served by promhttp when the run command is given a
// metrics address.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Attempt outcomes used as the status label of JobAttempts.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

var (
	// RowsExtracted counts rows read from relation cursors and handed on.
	// Labels: database, table
	RowsExtracted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clearmap_rows_extracted_total",
			Help: "Total number of rows extracted from relations",
		},
		[]string{"database", "table"},
	)

	// FeaturesEmitted counts features written to the tile builder. Rows the
	// feature modifier drops are not counted.
	// Labels: database, table
	FeaturesEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clearmap_features_emitted_total",
			Help: "Total number of features written to the tile builder",
		},
		[]string{"database", "table"},
	)

	// BatchesFetched counts non-empty cursor batches.
	// Labels: database, table
	BatchesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clearmap_batches_fetched_total",
			Help: "Total number of non-empty cursor batches fetched",
		},
		[]string{"database", "table"},
	)

	// SinkWaits counts how often a producer suspended on a full sink buffer.
	SinkWaits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clearmap_sink_waits_total",
			Help: "Total number of times feature production waited for the sink to drain",
		},
	)

	// JobAttempts counts job attempts by outcome.
	// Labels: status (success, failure)
	JobAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clearmap_job_attempts_total",
			Help: "Total number of tile job attempts",
		},
		[]string{"status"},
	)

	// JobsInProgress is the number of jobs currently executing. The queue
	// runs one job at a time, so this is 0 or 1.
	JobsInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clearmap_jobs_in_progress",
			Help: "Number of tile jobs currently executing",
		},
	)

	// JobDuration tracks successful job attempt duration in seconds.
	JobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clearmap_job_duration_seconds",
			Help:    "Duration of successful tile job attempts",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~2.3h
		},
	)

	// ArtifactBytes is the size of the most recently finalized artifact.
	ArtifactBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clearmap_artifact_bytes",
			Help: "Size in bytes of the last finalized tile artifact",
		},
	)

	// Throughput is the row rate of the last completed relation.
	// Labels: database, table
	Throughput = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clearmap_throughput_rows_per_second",
			Help: "Row throughput of the last extraction of a relation",
		},
		[]string{"database", "table"},
	)
)

// Timer measures elapsed time for an operation.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the elapsed duration since creation. It may be called more
// than once.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// ThroughputTracker tracks the row rate of one relation. Safe for
// concurrent use.
type ThroughputTracker struct {
	mu        sync.Mutex
	count     int64
	lastReset time.Time
	database  string
	table     string
}

// NewThroughputTracker creates a tracker labelled with the relation's
// database and table.
func NewThroughputTracker(database, table string) *ThroughputTracker {
	return &ThroughputTracker{
		lastReset: time.Now(),
		database:  database,
		table:     table,
	}
}

// Increment adds n to the row count.
func (t *ThroughputTracker) Increment(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count += n
}

// GetAndReset returns rows per second since the last reset, publishes
// it to the Throughput gauge and starts a new period.
func (t *ThroughputTracker) GetAndReset() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.lastReset).Seconds()
	if elapsed <= 0 {
		return 0
	}
	throughput := float64(t.count) / elapsed

	t.count = 0
	t.lastReset = time.Now()

	Throughput.WithLabelValues(t.database, t.table).Set(throughput)

	return throughput
}
