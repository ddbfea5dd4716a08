package catalog

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/withObsrvr/obsrvr-curator/internal/logging"
)

//go:embed schema.sql
var schemaSQL string

// PostgresWriter implements Writer using PostgreSQL.
type PostgresWriter struct {
	pool         *pgxpool.Pool
	log          *slog.Logger
	mu           sync.RWMutex
	datasetCache map[string]int64 // cache dataset IDs
}

// NewPostgresWriter creates a new PostgreSQL catalog writer.
func NewPostgresWriter(ctx context.Context, dsn string) (*PostgresWriter, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	// Configure connection pool
	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	w := &PostgresWriter{
		pool:         pool,
		log:          logging.Component("catalog"),
		datasetCache: make(map[string]int64),
	}

	// Initialize schema
	if _, err := w.pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	w.log.Info("connected to PostgreSQL catalog", "dsn", redact(dsn))
	return w, nil
}

// EnsureDataset registers or retrieves a dataset entry.
func (w *PostgresWriter) EnsureDataset(ctx context.Context, info DatasetInfo) (int64, error) {
	// Check cache first
	cacheKey := info.cacheKey()
	w.mu.RLock()
	if id, ok := w.datasetCache[cacheKey]; ok {
		w.mu.RUnlock()
		return id, nil
	}
	w.mu.RUnlock()

	query := `
		INSERT INTO _meta_datasets (domain, dataset, version, schema_hash, description)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (domain, dataset, version)
		DO UPDATE SET updated_at = NOW()
		RETURNING id
	`

	var id int64
	err := w.pool.QueryRow(ctx, query,
		info.Domain,
		info.Dataset,
		info.Version,
		info.SchemaHash,
		info.Description,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("ensure dataset: %w", err)
	}

	w.mu.Lock()
	w.datasetCache[cacheKey] = id
	w.mu.Unlock()

	return id, nil
}

// RecordPartition writes a lineage record for a committed partition.
func (w *PostgresWriter) RecordPartition(ctx context.Context, rec PartitionRecord) error {
	if rec.DatasetID == 0 {
		return fmt.Errorf("DatasetID is required (call EnsureDataset first)")
	}

	query := `
		INSERT INTO _meta_lineage (
			dataset_id, partition_key, batch_id, run_id, row_count, byte_size,
			checksum, prev_checksum, storage_path, producer_version,
			producer_git_sha, source_files
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (dataset_id, partition_key)
		DO UPDATE SET
			batch_id = EXCLUDED.batch_id,
			run_id = EXCLUDED.run_id,
			row_count = EXCLUDED.row_count,
			byte_size = EXCLUDED.byte_size,
			checksum = EXCLUDED.checksum,
			prev_checksum = EXCLUDED.prev_checksum,
			storage_path = EXCLUDED.storage_path,
			source_files = EXCLUDED.source_files,
			created_at = NOW()
	`

	_, err := w.pool.Exec(ctx, query,
		rec.DatasetID,
		rec.Partition,
		rec.BatchID,
		rec.RunID,
		rec.RowCount,
		rec.ByteSize,
		rec.Checksum,
		nullable(rec.PrevChecksum),
		rec.StoragePath,
		rec.ProducerVersion,
		rec.ProducerGitSHA,
		strings.Join(rec.SourceFiles, "\n"),
	)
	if err != nil {
		return fmt.Errorf("record partition: %w", err)
	}

	w.log.Debug("recorded lineage", "partition", rec.Partition, "checksum", rec.Checksum)
	return nil
}

// InsertQuality records a quality validation result.
func (w *PostgresWriter) InsertQuality(ctx context.Context, rec QualityRecord) error {
	query := `
		INSERT INTO _meta_quality (
			dataset_id, partition_key, batch_id, passed,
			accepted, quarantined, unresolved, duplicates, error_message
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (dataset_id, partition_key, batch_id)
		DO UPDATE SET
			passed = EXCLUDED.passed,
			accepted = EXCLUDED.accepted,
			quarantined = EXCLUDED.quarantined,
			unresolved = EXCLUDED.unresolved,
			duplicates = EXCLUDED.duplicates,
			error_message = EXCLUDED.error_message,
			created_at = NOW()
	`

	_, err := w.pool.Exec(ctx, query,
		rec.DatasetID,
		rec.Partition,
		rec.BatchID,
		rec.Passed,
		rec.Accepted,
		rec.Quarantined,
		rec.Unresolved,
		rec.Duplicates,
		nullable(rec.ErrorMessage),
	)
	if err != nil {
		return fmt.Errorf("insert quality: %w", err)
	}
	return nil
}

// PartitionChecksum returns the checksum of the most recent lineage entry.
func (w *PostgresWriter) PartitionChecksum(ctx context.Context, datasetID int64, partition string) (string, error) {
	query := `
		SELECT checksum FROM _meta_lineage
		WHERE dataset_id = $1 AND partition_key = $2
	`

	var checksum string
	err := w.pool.QueryRow(ctx, query, datasetID, partition).Scan(&checksum)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("get partition checksum: %w", err)
	}
	return checksum, nil
}

// Close releases database connections.
func (w *PostgresWriter) Close() error {
	w.pool.Close()
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
