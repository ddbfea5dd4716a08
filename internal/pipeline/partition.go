package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/withObsrvr/obsrvr-curator/internal/audit"
	"github.com/withObsrvr/obsrvr-curator/internal/catalog"
	"github.com/withObsrvr/obsrvr-curator/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-curator/internal/logging"
	"github.com/withObsrvr/obsrvr-curator/internal/storage"
	"github.com/withObsrvr/obsrvr-curator/internal/tables"
)

// unitResult is what building one unit of work produced. The first
// published partition is the unit's own; others are derived from it and
// written under the same lease.
type unitResult struct {
	published  []*published
	accepted   int64
	duplicates int
	unresolved int
	quality    *ValidationResult
}

type buildFunc func(ctx context.Context) (*unitResult, error)

// runUnit claims ref, builds and publishes it, retrying retryable write
// failures as a whole, and records the outcome. skippable units are skipped
// when the checkpoint shows them committed for this batch.
func (r *run) runUnit(ctx context.Context, ref storage.PartitionRef, skippable bool, build buildFunc) PartitionReport {
	p := r.p
	log := logging.PartitionLogger(ctx, ref.Table, ref.Partition, r.batchID)
	pr := PartitionReport{Table: ref.Table, Partition: ref.Partition}
	defer func() { r.report.add(pr) }()

	if skippable && !p.opts.Force && r.prior.Committed(r.batchID, ref.String()) {
		pr.Status = StatusSkipped
		p.metrics.IncPartitionsSkipped(ref.Table)
		log.Info("skipping partition (committed for this batch)")
		return pr
	}

	var (
		res *unitResult
		err error
	)
	for attempt := 1; ; attempt++ {
		pr.Attempts = attempt
		if err = ctx.Err(); err != nil {
			break
		}
		res, err = r.attempt(ctx, ref, build)
		if err == nil {
			break
		}
		var pwe *storage.PartitionWriteError
		if !errors.As(err, &pwe) || !pwe.Retryable || attempt >= p.opts.RetryAttempts {
			break
		}
		p.metrics.IncRetryAttempts(ref.Table)
		delay := p.opts.RetryBackoff << (attempt - 1)
		log.Warn("partition attempt failed, retrying", "attempt", attempt, "delay", delay.String(), "error", err)
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
	}

	if err == nil {
		err = r.afterCommit(ctx, ref, res)
	}
	if err != nil {
		pr.Status = StatusFailed
		pr.Error = err.Error()
		p.metrics.IncPartitionsFailed(ref.Table)
		log.Error("partition failed", "attempts", pr.Attempts, "error", err)
		r.fail(fmt.Errorf("%s: %w", ref, err))
		return pr
	}

	own := res.published[0]
	pr.Rows = own.Manifest.Table.RowCount
	pr.Checksum = own.Manifest.Table.Checksum
	pr.Accepted = res.accepted
	pr.Duplicates = res.duplicates
	pr.Unresolved = res.unresolved
	pr.Status = StatusUnchanged
	for _, pub := range res.published {
		if pub.Changed {
			pr.Status = StatusCommitted
		}
	}
	if pr.Status == StatusCommitted {
		p.metrics.IncPartitionsCommitted(ref.Table)
	} else {
		p.metrics.IncPartitionsUnchanged(ref.Table)
	}
	r.recordCheckpoint(ctx, ref, own.Manifest)
	return pr
}

// attempt runs build once under the partition lease.
func (r *run) attempt(ctx context.Context, ref storage.PartitionRef, build buildFunc) (*unitResult, error) {
	p := r.p
	if err := p.store.Claim(ctx, ref, p.owner, p.opts.LeaseTTL); err != nil {
		return nil, storage.WriteFailure(ref, "claim", err, nil)
	}
	defer func() {
		if err := p.store.Release(context.WithoutCancel(ctx), ref, p.owner); err != nil {
			r.log.Warn("release lease failed", "partition", ref.String(), "error", err)
		}
	}()

	p.metrics.InFlightPartitions.Inc()
	defer p.metrics.InFlightPartitions.Dec()
	return build(ctx)
}

// afterCommit records lineage and quality in the catalog and emits audit
// events for every partition that changed. Both run after the data is
// committed and immutable; failures only fail the partition in strict mode.
func (r *run) afterCommit(ctx context.Context, ref storage.PartitionRef, res *unitResult) error {
	p := r.p
	log := logging.PartitionLogger(ctx, ref.Table, ref.Partition, r.batchID)

	for i, pub := range res.published {
		if !pub.Changed {
			continue
		}
		m := pub.Manifest
		storagePath := pub.Ref.DataKey(m.Table.File)

		datasetID, err := p.ensureDataset(ctx, pub.Ref.Table)
		if err == nil && datasetID > 0 {
			prevChecksum := pub.PrevChecksum
			if recorded, cerr := p.catalog.PartitionChecksum(ctx, datasetID, pub.Ref.Partition); cerr == nil && recorded != "" {
				prevChecksum = recorded
			}
			err = p.catalog.RecordPartition(ctx, catalog.PartitionRecord{
				DatasetID:       datasetID,
				Partition:       pub.Ref.Partition,
				BatchID:         r.batchID,
				RunID:           r.runID,
				RowCount:        m.Table.RowCount,
				ByteSize:        m.Table.ByteSize,
				Checksum:        m.Table.Checksum,
				PrevChecksum:    prevChecksum,
				StoragePath:     storagePath,
				ProducerVersion: producerName + "@" + Version,
				ProducerGitSHA:  GitSHA,
				SourceFiles:     r.sources,
			})
			if err == nil && i == 0 && res.quality != nil {
				err = p.catalog.InsertQuality(ctx, catalog.QualityRecord{
					DatasetID:  datasetID,
					Partition:  pub.Ref.Partition,
					BatchID:    r.batchID,
					Passed:     res.quality.Passed,
					Accepted:   res.accepted,
					Unresolved: int64(res.unresolved),
					Duplicates: int64(res.duplicates),
				})
			}
		}
		if err != nil {
			p.metrics.CatalogErrors.Inc()
			if p.opts.CatalogStrict {
				return fmt.Errorf("record catalog (strict mode): %w", err)
			}
			log.Warn("failed to record catalog entry", "error", err)
		}

		evt := &audit.Event{
			Partition: audit.PartitionInfo{
				Table:     pub.Ref.Table,
				Partition: pub.Ref.Partition,
				BatchID:   r.batchID,
				RunID:     r.runID,
			},
			Table: audit.TableInfo{
				Checksum:    m.Table.Checksum,
				RowCount:    m.Table.RowCount,
				StoragePath: p.store.URI(storagePath),
				ByteSize:    m.Table.ByteSize,
			},
			Counts: m.Stats,
			Producer: audit.ProducerInfo{
				Name:    producerName,
				Version: Version,
				GitSHA:  GitSHA,
			},
		}
		if err := p.audit.Emit(ctx, evt); err != nil {
			p.metrics.AuditErrors.Inc()
			if p.opts.AuditStrict {
				return fmt.Errorf("emit audit event (strict mode): %w", err)
			}
			log.Warn("failed to emit audit event", "error", err)
		}
	}
	return nil
}

// recordQualityFailure stores a failed quality gate in the catalog.
func (r *run) recordQualityFailure(ctx context.Context, ref storage.PartitionRef, qerr *QualityError) {
	p := r.p
	datasetID, err := p.ensureDataset(ctx, ref.Table)
	if err != nil || datasetID == 0 {
		return
	}
	msg := qerr.Error()
	if err := p.catalog.InsertQuality(ctx, catalog.QualityRecord{
		DatasetID:    datasetID,
		Partition:    ref.Partition,
		BatchID:      r.batchID,
		Passed:       false,
		ErrorMessage: msg,
	}); err != nil {
		p.metrics.CatalogErrors.Inc()
		r.log.Warn("failed to record quality failure", "partition", ref.String(), "error", err)
	}
}

// ensureDataset registers a published table with the catalog once per
// pipeline.
func (p *Pipeline) ensureDataset(ctx context.Context, table string) (int64, error) {
	p.datasetMu.Lock()
	defer p.datasetMu.Unlock()
	if id, ok := p.datasetIDs[table]; ok {
		return id, nil
	}
	id, err := p.catalog.EnsureDataset(ctx, catalog.DatasetInfo{
		Domain:      p.opts.Name,
		Dataset:     table,
		Version:     tables.SchemaVersion,
		Description: "curated " + table,
	})
	if err != nil {
		return 0, err
	}
	p.datasetIDs[table] = id
	return id, nil
}

// loadCheckpoint reads the previous checkpoint. Only entries of the same
// batch carry over.
func (r *run) loadCheckpoint(ctx context.Context) {
	p := r.p
	cp, err := p.checkpoint.Load(ctx)
	if err != nil && !errors.Is(err, checkpoint.ErrNoCheckpoint) {
		r.log.Warn("failed to load checkpoint, starting fresh", "error", err)
	}
	r.prior = cp
	r.state = &checkpoint.Checkpoint{
		Pipeline:   p.opts.Name,
		BatchID:    r.batchID,
		RunID:      r.runID,
		Partitions: make(map[string]checkpoint.PartitionInfo),
	}
	if cp != nil && cp.BatchID == r.batchID {
		for k, v := range cp.Partitions {
			r.state.Partitions[k] = v
		}
		r.log.Info("resuming batch from checkpoint", "committed", len(cp.Partitions))
	}
}

// recordCheckpoint saves the checkpoint after a partition is committed.
func (r *run) recordCheckpoint(ctx context.Context, ref storage.PartitionRef, m *storage.Manifest) {
	r.cpMu.Lock()
	defer r.cpMu.Unlock()
	r.state.Partitions[ref.String()] = checkpoint.PartitionInfo{
		Checksum:    m.Table.Checksum,
		RowCount:    m.Table.RowCount,
		CommittedAt: time.Now().UTC(),
	}
	r.state.UpdatedAt = time.Now().UTC()
	if err := r.p.checkpoint.Save(ctx, r.state); err != nil {
		r.log.Warn("failed to save checkpoint", "error", err)
	}
}
