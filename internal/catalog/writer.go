// Package catalog records lineage and quality results for committed
// partitions in a relational catalog.
package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Config selects the catalog backend by DSN scheme:
// postgres:// or postgresql:// uses PostgreSQL, sqlite://path uses SQLite,
// and an empty DSN disables the catalog.
type Config struct {
	DSN string
}

// DatasetInfo identifies a published table.
type DatasetInfo struct {
	Domain      string // "streampro"
	Dataset     string // "fact_video_events"
	Version     string // schema version
	SchemaHash  string
	Description string
}

func (d DatasetInfo) cacheKey() string {
	return d.Domain + "." + d.Dataset + "." + d.Version
}

// PartitionRecord is the lineage of one committed partition.
type PartitionRecord struct {
	DatasetID       int64
	Partition       string
	BatchID         string
	RunID           string
	RowCount        int64
	ByteSize        int64
	Checksum        string
	PrevChecksum    string
	StoragePath     string
	ProducerVersion string
	ProducerGitSHA  string
	// SourceFiles lists the landing keys the batch was built from.
	SourceFiles []string
}

// QualityRecord is the validation outcome of one partition.
type QualityRecord struct {
	DatasetID    int64
	Partition    string
	BatchID      string
	Passed       bool
	Accepted     int64
	Quarantined  int64
	Unresolved   int64
	Duplicates   int64
	ErrorMessage string
}

// Writer persists catalog entries.
type Writer interface {
	// EnsureDataset registers or retrieves a dataset entry.
	EnsureDataset(ctx context.Context, info DatasetInfo) (int64, error)

	// RecordPartition upserts the lineage of a committed partition.
	RecordPartition(ctx context.Context, rec PartitionRecord) error

	// InsertQuality upserts the quality result of a partition.
	InsertQuality(ctx context.Context, rec QualityRecord) error

	// PartitionChecksum returns the recorded checksum of a partition, or ""
	// when none is recorded.
	PartitionChecksum(ctx context.Context, datasetID int64, partition string) (string, error)

	Close() error
}

// New opens the writer selected by cfg.DSN.
func New(ctx context.Context, cfg Config) (Writer, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	switch {
	case dsn == "":
		return NewNoopWriter(), nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgresWriter(ctx, dsn)
	case strings.HasPrefix(dsn, "sqlite://"):
		return NewSQLiteWriter(ctx, strings.TrimPrefix(dsn, "sqlite://"))
	case strings.HasPrefix(dsn, "sqlite3://"):
		return NewSQLiteWriter(ctx, strings.TrimPrefix(dsn, "sqlite3://"))
	}
	return nil, fmt.Errorf("unsupported catalog DSN scheme: %s", redact(dsn))
}

// redact drops credentials from a DSN before it is logged.
func redact(dsn string) string {
	if i := strings.Index(dsn, "://"); i >= 0 {
		if at := strings.LastIndex(dsn, "@"); at > i {
			return dsn[:i+3] + "***" + dsn[at:]
		}
	}
	return dsn
}

// NoopWriter discards everything.
type NoopWriter struct{}

// NewNoopWriter returns a writer for runs without a catalog.
func NewNoopWriter() *NoopWriter { return &NoopWriter{} }

func (NoopWriter) EnsureDataset(context.Context, DatasetInfo) (int64, error) { return 0, nil }
func (NoopWriter) RecordPartition(context.Context, PartitionRecord) error   { return nil }
func (NoopWriter) InsertQuality(context.Context, QualityRecord) error       { return nil }
func (NoopWriter) PartitionChecksum(context.Context, int64, string) (string, error) {
	return "", nil
}
func (NoopWriter) Close() error { return nil }

const connectTimeout = 10 * time.Second
