// Package metrics provides Prometheus metrics for the curator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the curator.
type Metrics struct {
	// Record metrics
	RecordsAccepted    *prometheus.CounterVec
	RecordsQuarantined *prometheus.CounterVec
	DuplicatesDropped  *prometheus.CounterVec
	UnresolvedKeys     *prometheus.CounterVec

	// Partition metrics
	PartitionsCommitted *prometheus.CounterVec
	PartitionsUnchanged *prometheus.CounterVec
	PartitionsSkipped   *prometheus.CounterVec
	PartitionsFailed    *prometheus.CounterVec

	// Timing metrics
	PartitionCommitDuration *prometheus.HistogramVec
	RunDuration             prometheus.Histogram

	// Size metrics
	PartitionRows  *prometheus.HistogramVec
	PartitionBytes *prometheus.HistogramVec

	// Pipeline metrics
	InFlightPartitions prometheus.Gauge
	LastRunTimestamp   prometheus.Gauge

	// Error metrics
	StorageErrors *prometheus.CounterVec
	CatalogErrors prometheus.Counter
	AuditErrors   prometheus.Counter
	RetryAttempts *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init registers the metrics with the default registry.
// Call this once at startup.
func Init(namespace string) *Metrics {
	defaultMetrics = New(namespace, prometheus.DefaultRegisterer)
	return defaultMetrics
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// New creates metrics registered with reg.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "curator"
	}
	f := promauto.With(reg)

	return &Metrics{
		RecordsAccepted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_accepted_total",
				Help:      "Total number of raw records accepted by validation",
			},
			[]string{"channel"},
		),
		RecordsQuarantined: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_quarantined_total",
				Help:      "Total number of raw records quarantined",
			},
			[]string{"channel", "reason"},
		),
		DuplicatesDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "duplicates_dropped_total",
				Help:      "Total number of duplicate events dropped",
			},
			[]string{"scope"},
		),
		UnresolvedKeys: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unresolved_keys_total",
				Help:      "Total number of fact rows with an unresolved foreign key",
			},
			[]string{"dimension"},
		),
		PartitionsCommitted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "partitions_committed_total",
				Help:      "Total number of partitions committed",
			},
			[]string{"table"},
		),
		PartitionsUnchanged: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "partitions_unchanged_total",
				Help:      "Total number of partitions whose content was already committed",
			},
			[]string{"table"},
		),
		PartitionsSkipped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "partitions_skipped_total",
				Help:      "Total number of partitions skipped by checkpoint",
			},
			[]string{"table"},
		),
		PartitionsFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "partitions_failed_total",
				Help:      "Total number of partitions that failed processing",
			},
			[]string{"table"},
		),
		PartitionCommitDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "partition_commit_duration_seconds",
				Help:      "Total time to commit a partition (encode + upload + manifest)",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
			},
			[]string{"table"},
		),
		RunDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall time of a pipeline run",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
			},
		),
		PartitionRows: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "partition_rows",
				Help:      "Number of rows per partition",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 10), // 10 to ~2.6M
			},
			[]string{"table"},
		),
		PartitionBytes: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "partition_bytes",
				Help:      "Size of partitions in bytes",
				Buckets:   prometheus.ExponentialBuckets(1024, 2, 15), // 1KB to ~32MB
			},
			[]string{"table"},
		),
		InFlightPartitions: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_partitions",
				Help:      "Number of partitions currently being processed",
			},
		),
		LastRunTimestamp: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time the last run finished",
			},
		),
		StorageErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_errors_total",
				Help:      "Total number of storage write errors",
			},
			[]string{"op"},
		),
		CatalogErrors: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalog_errors_total",
				Help:      "Total number of lineage catalog errors",
			},
		),
		AuditErrors: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_errors_total",
				Help:      "Total number of audit event emission errors",
			},
		),
		RetryAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of whole-partition retry attempts",
			},
			[]string{"table"},
		),
	}
}

// Handler serves the metrics of gatherer plus a /health probe.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	return http.ListenAndServe(address, Handler(prometheus.DefaultGatherer))
}

// IncAccepted adds accepted records for a channel.
func (m *Metrics) IncAccepted(channel string, n int64) {
	m.RecordsAccepted.WithLabelValues(channel).Add(float64(n))
}

// IncQuarantined adds quarantined records for a channel and reason.
func (m *Metrics) IncQuarantined(channel, reason string, n int64) {
	m.RecordsQuarantined.WithLabelValues(channel, reason).Add(float64(n))
}

// AddDuplicates adds dropped duplicates; scope is "batch" or "committed".
func (m *Metrics) AddDuplicates(scope string, n int) {
	m.DuplicatesDropped.WithLabelValues(scope).Add(float64(n))
}

// AddUnresolved adds unresolved foreign keys for a dimension.
func (m *Metrics) AddUnresolved(dimension string, n int) {
	m.UnresolvedKeys.WithLabelValues(dimension).Add(float64(n))
}

// IncPartitionsCommitted increments the partitions committed counter.
func (m *Metrics) IncPartitionsCommitted(table string) {
	m.PartitionsCommitted.WithLabelValues(table).Inc()
}

// IncPartitionsUnchanged increments the partitions unchanged counter.
func (m *Metrics) IncPartitionsUnchanged(table string) {
	m.PartitionsUnchanged.WithLabelValues(table).Inc()
}

// IncPartitionsSkipped increments the partitions skipped counter.
func (m *Metrics) IncPartitionsSkipped(table string) {
	m.PartitionsSkipped.WithLabelValues(table).Inc()
}

// IncPartitionsFailed increments the partitions failed counter.
func (m *Metrics) IncPartitionsFailed(table string) {
	m.PartitionsFailed.WithLabelValues(table).Inc()
}

// ObservePartitionCommitDuration records the total partition commit time.
func (m *Metrics) ObservePartitionCommitDuration(table string, seconds float64) {
	m.PartitionCommitDuration.WithLabelValues(table).Observe(seconds)
}

// ObservePartitionRows records the number of rows in a partition.
func (m *Metrics) ObservePartitionRows(table string, rows float64) {
	m.PartitionRows.WithLabelValues(table).Observe(rows)
}

// ObservePartitionBytes records the size of a partition in bytes.
func (m *Metrics) ObservePartitionBytes(table string, bytes float64) {
	m.PartitionBytes.WithLabelValues(table).Observe(bytes)
}

// IncStorageErrors increments the storage errors counter.
func (m *Metrics) IncStorageErrors(op string) {
	m.StorageErrors.WithLabelValues(op).Inc()
}

// IncRetryAttempts increments the retry attempts counter.
func (m *Metrics) IncRetryAttempts(table string) {
	m.RetryAttempts.WithLabelValues(table).Inc()
}

// SetInFlightPartitions sets the number of in-flight partitions.
func (m *Metrics) SetInFlightPartitions(count float64) {
	m.InFlightPartitions.Set(count)
}
