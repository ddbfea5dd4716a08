package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/withObsrvr/obsrvr-curator/internal/logging"
	"github.com/withObsrvr/obsrvr-curator/internal/storage"
	"github.com/withObsrvr/obsrvr-curator/internal/tables"
)

// published is the outcome of publishing one partition.
type published struct {
	Ref      storage.PartitionRef
	Manifest *storage.Manifest
	// Changed is false when the committed partition already held exactly
	// these bytes and nothing was written.
	Changed      bool
	PrevChecksum string
}

// publishRows is the transactional lifecycle for committing a partition.
//
// The order of operations is critical and must not be changed:
//  1. Encode rows to parquet in memory
//  2. Compute the checksum
//  3. Compare with the committed manifest (equal checksum: no-op)
//  4. Write data and manifest under temporary keys
//  5. Finalize: data first, manifest last (the commit point)
//  6. Garbage-collect data files the new manifest no longer references
//
// A failure before step 5 completes leaves the previous partition visible
// and intact. Storage failures are returned as *storage.PartitionWriteError.
func publishRows[T any](ctx context.Context, r *run, ref storage.PartitionRef, rows []T, stats map[string]int64) (*published, error) {
	p := r.p
	log := logging.PartitionLogger(ctx, ref.Table, ref.Partition, r.batchID)
	startTime := time.Now()

	data, err := tables.Encode(p.opts.Parquet, rows)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ref, err)
	}
	checksum := tables.ComputeChecksum(data)
	counts := map[string]int64{"rows": int64(len(rows))}

	prev, err := p.store.ReadManifest(ctx, ref)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, storage.WriteFailure(ref, "read manifest", err, counts)
	}
	out := &published{Ref: ref}
	if prev != nil {
		out.PrevChecksum = prev.Table.Checksum
		if prev.Table.Checksum == checksum {
			out.Manifest = prev
			log.Debug("partition unchanged", "checksum", checksum)
			return out, nil
		}
	}

	file := tables.DataFileName(checksum)
	manifest := &storage.Manifest{
		Partition: storage.PartitionInfo{
			Table:     ref.Table,
			Partition: ref.Partition,
			BatchID:   r.batchID,
			RunID:     r.runID,
		},
		Table: storage.TableInfo{
			File:     file,
			Checksum: checksum,
			RowCount: int64(len(rows)),
			ByteSize: int64(len(data)),
		},
		Stats: stats,
		Producer: storage.ProducerInfo{
			Name:    producerName,
			Version: Version,
			GitSHA:  GitSHA,
		},
		SchemaVersion: tables.SchemaVersion,
		CreatedAt:     time.Now().UTC(),
	}
	manifestBytes, err := manifest.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest %s: %w", ref, err)
	}

	dataTemp, err := p.store.WriteTemp(ctx, ref.DataKey(file), data)
	if err != nil {
		p.metrics.IncStorageErrors("write_data")
		return nil, storage.WriteFailure(ref, "write data", err, counts)
	}
	manifestTemp, err := p.store.WriteTemp(ctx, ref.ManifestKey(), manifestBytes)
	if err != nil {
		p.metrics.IncStorageErrors("write_manifest")
		if aerr := p.store.Abort(context.WithoutCancel(ctx), []string{dataTemp}); aerr != nil {
			log.Warn("abort temp data failed", "error", aerr)
		}
		return nil, storage.WriteFailure(ref, "write manifest", err, counts)
	}

	err = p.store.Finalize(ctx, []storage.Move{
		{Temp: dataTemp, Final: ref.DataKey(file)},
		{Temp: manifestTemp, Final: ref.ManifestKey()},
	})
	if err != nil {
		p.metrics.IncStorageErrors("finalize")
		return nil, storage.WriteFailure(ref, "finalize", err, counts)
	}

	deleted, err := storage.CollectGarbage(ctx, p.store, ref, file)
	if err != nil {
		log.Warn("garbage collection failed", "error", err)
	}

	out.Manifest = manifest
	out.Changed = true
	p.metrics.ObservePartitionCommitDuration(ref.Table, time.Since(startTime).Seconds())
	p.metrics.ObservePartitionRows(ref.Table, float64(len(rows)))
	p.metrics.ObservePartitionBytes(ref.Table, float64(len(data)))
	log.Info("committed partition",
		"rows", len(rows),
		"bytes", len(data),
		"checksum", checksum,
		"gc_deleted", len(deleted),
		"duration", time.Since(startTime).String(),
	)
	return out, nil
}

// readCommitted returns the rows of a committed partition, or nil when the
// partition has never been committed. The data file is resolved through the
// manifest and verified against its checksum.
func readCommitted[T any](ctx context.Context, s storage.Store, ref storage.PartitionRef) ([]T, error) {
	m, err := s.ReadManifest(ctx, ref)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storage.WriteFailure(ref, "read manifest", err, nil)
	}
	data, err := s.ReadObject(ctx, ref.DataKey(m.Table.File))
	if err != nil {
		return nil, storage.WriteFailure(ref, "read data", err, nil)
	}
	if !tables.VerifyChecksum(data, m.Table.Checksum) {
		return nil, fmt.Errorf("%s: committed data does not match manifest checksum %s", ref, m.Table.Checksum)
	}
	return tables.Decode[T](data)
}
