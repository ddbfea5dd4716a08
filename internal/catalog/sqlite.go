package catalog

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/withObsrvr/obsrvr-curator/internal/logging"
)

//go:embed schema_sqlite.sql
var sqliteSchemaSQL string

// SQLiteWriter implements Writer on a local SQLite file, for single-host
// deployments and tests.
type SQLiteWriter struct {
	db           *sql.DB
	log          *slog.Logger
	mu           sync.Mutex // single writer
	datasetCache map[string]int64
}

// NewSQLiteWriter opens (creating if needed) the catalog at path.
func NewSQLiteWriter(ctx context.Context, path string) (*SQLiteWriter, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite catalog path is empty")
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite catalog: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if _, err := db.ExecContext(ctx, sqliteSchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &SQLiteWriter{
		db:           db,
		log:          logging.Component("catalog"),
		datasetCache: make(map[string]int64),
	}, nil
}

// EnsureDataset registers or retrieves a dataset entry.
func (w *SQLiteWriter) EnsureDataset(ctx context.Context, info DatasetInfo) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cacheKey := info.cacheKey()
	if id, ok := w.datasetCache[cacheKey]; ok {
		return id, nil
	}

	_, err := w.db.ExecContext(ctx, `
		INSERT INTO _meta_datasets (domain, dataset, version, schema_hash, description)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (domain, dataset, version)
		DO UPDATE SET updated_at = CURRENT_TIMESTAMP`,
		info.Domain, info.Dataset, info.Version, info.SchemaHash, info.Description)
	if err != nil {
		return 0, fmt.Errorf("ensure dataset: %w", err)
	}

	var id int64
	err = w.db.QueryRowContext(ctx, `
		SELECT id FROM _meta_datasets WHERE domain = ? AND dataset = ? AND version = ?`,
		info.Domain, info.Dataset, info.Version).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("ensure dataset: %w", err)
	}

	w.datasetCache[cacheKey] = id
	return id, nil
}

// RecordPartition writes a lineage record for a committed partition.
func (w *SQLiteWriter) RecordPartition(ctx context.Context, rec PartitionRecord) error {
	if rec.DatasetID == 0 {
		return fmt.Errorf("DatasetID is required (call EnsureDataset first)")
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	_, err := w.db.ExecContext(ctx, `
		INSERT INTO _meta_lineage (
			dataset_id, partition_key, batch_id, run_id, row_count, byte_size,
			checksum, prev_checksum, storage_path, producer_version,
			producer_git_sha, source_files
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (dataset_id, partition_key)
		DO UPDATE SET
			batch_id = excluded.batch_id,
			run_id = excluded.run_id,
			row_count = excluded.row_count,
			byte_size = excluded.byte_size,
			checksum = excluded.checksum,
			prev_checksum = excluded.prev_checksum,
			storage_path = excluded.storage_path,
			source_files = excluded.source_files,
			created_at = CURRENT_TIMESTAMP`,
		rec.DatasetID, rec.Partition, rec.BatchID, rec.RunID, rec.RowCount, rec.ByteSize,
		rec.Checksum, nullable(rec.PrevChecksum), rec.StoragePath, rec.ProducerVersion,
		rec.ProducerGitSHA, strings.Join(rec.SourceFiles, "\n"))
	if err != nil {
		return fmt.Errorf("record partition: %w", err)
	}
	w.log.Debug("recorded lineage", "partition", rec.Partition, "checksum", rec.Checksum)
	return nil
}

// InsertQuality records a quality validation result.
func (w *SQLiteWriter) InsertQuality(ctx context.Context, rec QualityRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, err := w.db.ExecContext(ctx, `
		INSERT INTO _meta_quality (
			dataset_id, partition_key, batch_id, passed,
			accepted, quarantined, unresolved, duplicates, error_message
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (dataset_id, partition_key, batch_id)
		DO UPDATE SET
			passed = excluded.passed,
			accepted = excluded.accepted,
			quarantined = excluded.quarantined,
			unresolved = excluded.unresolved,
			duplicates = excluded.duplicates,
			error_message = excluded.error_message,
			created_at = CURRENT_TIMESTAMP`,
		rec.DatasetID, rec.Partition, rec.BatchID, rec.Passed,
		rec.Accepted, rec.Quarantined, rec.Unresolved, rec.Duplicates, nullable(rec.ErrorMessage))
	if err != nil {
		return fmt.Errorf("insert quality: %w", err)
	}
	return nil
}

// PartitionChecksum returns the recorded checksum of a partition.
func (w *SQLiteWriter) PartitionChecksum(ctx context.Context, datasetID int64, partition string) (string, error) {
	var checksum string
	err := w.db.QueryRowContext(ctx, `
		SELECT checksum FROM _meta_lineage WHERE dataset_id = ? AND partition_key = ?`,
		datasetID, partition).Scan(&checksum)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("get partition checksum: %w", err)
	}
	return checksum, nil
}

// Close closes the database.
func (w *SQLiteWriter) Close() error {
	return w.db.Close()
}
