package pipeline

import (
	"context"
	"path"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/obsrvr-curator/internal/curate"
	"github.com/withObsrvr/obsrvr-curator/internal/dedup"
	"github.com/withObsrvr/obsrvr-curator/internal/quarantine"
	"github.com/withObsrvr/obsrvr-curator/internal/storage"
	"github.com/withObsrvr/obsrvr-curator/internal/tables"
)

func snapshotRef(table string) storage.PartitionRef {
	return storage.PartitionRef{Table: table, Partition: storage.SnapshotPartition}
}

// publishDimensions publishes the snapshot of every configured dimension.
func (r *run) publishDimensions(ctx context.Context) {
	src := r.p.opts.Dimensions
	if src.Users != "" {
		rows := r.snap.Users()
		r.runUnit(ctx, snapshotRef(tables.DimUsers), true, func(ctx context.Context) (*unitResult, error) {
			return single(publishRows(ctx, r, snapshotRef(tables.DimUsers), rows, nil))
		})
	}
	if src.Videos != "" {
		rows := r.snap.Videos()
		r.runUnit(ctx, snapshotRef(tables.DimVideos), true, func(ctx context.Context) (*unitResult, error) {
			return single(publishRows(ctx, r, snapshotRef(tables.DimVideos), rows, nil))
		})
	}
	if src.Devices != "" {
		rows := r.snap.Devices()
		r.runUnit(ctx, snapshotRef(tables.DimDevices), true, func(ctx context.Context) (*unitResult, error) {
			return single(publishRows(ctx, r, snapshotRef(tables.DimDevices), rows, nil))
		})
	}
}

func single(pub *published, err error) (*unitResult, error) {
	if err != nil {
		return nil, err
	}
	return &unitResult{published: []*published{pub}}, nil
}

// processDatePartitions publishes every dt partition touched by the batch,
// in parallel. A failed partition does not stop the others.
func (r *run) processDatePartitions(ctx context.Context, byDt map[string][]tables.StagedEvent, dts []string) {
	var g errgroup.Group
	g.SetLimit(r.p.opts.Workers)
	for _, dt := range dts {
		incoming := byDt[dt]
		g.Go(func() error {
			r.processDatePartition(ctx, dt, incoming)
			return nil
		})
	}
	_ = g.Wait()
}

// processDatePartition merges incoming events into one fact partition,
// joins them to the dimensions, checks quality and publishes the fact
// partition and its daily engagement partition.
func (r *run) processDatePartition(ctx context.Context, dt string, incoming []tables.StagedEvent) {
	p := r.p
	factRef := storage.PartitionRef{Table: tables.FactVideoEvents, Partition: storage.DatePartition(dt)}
	engagementRef := storage.PartitionRef{Table: tables.DailyVideoEngagement, Partition: storage.DatePartition(dt)}

	var (
		join  curate.JoinStats
		dstat dedup.Stats
	)
	pr := r.runUnit(ctx, factRef, true, func(ctx context.Context) (*unitResult, error) {
		var committed []tables.StagedEvent
		if p.opts.Mode == ModeMerge {
			rows, err := readCommitted[tables.FactVideoEvent](ctx, p.store, factRef)
			if err != nil {
				return nil, err
			}
			committed = make([]tables.StagedEvent, len(rows))
			for i, f := range rows {
				committed[i] = f.Staged()
			}
		}

		merged, ds := r.dedup.Apply(committed, incoming)
		facts, js := curate.JoinFacts(merged, r.snap)
		join, dstat = js, ds

		quality := ValidatePartition(factRef.Partition, facts)
		if !quality.Passed {
			qerr := &QualityError{Table: factRef.Table, Partition: factRef.Partition, Errors: quality.Errors}
			r.recordQualityFailure(ctx, factRef, qerr)
			return nil, qerr
		}

		stats := map[string]int64{
			"accepted":             int64(len(incoming)),
			"committed_duplicates": int64(ds.CommittedDuplicates),
			"unresolved_user":      int64(js.UnresolvedUser),
			"unresolved_video":     int64(js.UnresolvedVideo),
			"unresolved_device":    int64(js.UnresolvedDevice),
		}
		factPub, err := publishRows(ctx, r, factRef, facts, stats)
		if err != nil {
			return nil, err
		}
		engagementPub, err := publishRows(ctx, r, engagementRef, curate.DailyVideoEngagement(facts), nil)
		if err != nil {
			return nil, err
		}

		return &unitResult{
			published:  []*published{factPub, engagementPub},
			accepted:   int64(len(incoming)),
			duplicates: ds.CommittedDuplicates,
			unresolved: js.Unresolved(),
			quality:    &quality,
		}, nil
	})

	switch pr.Status {
	case StatusCommitted:
		r.factsMu.Lock()
		r.factsChanged = true
		r.factsMu.Unlock()
		fallthrough
	case StatusUnchanged:
		r.report.addJoin(join)
		p.metrics.AddDuplicates("committed", dstat.CommittedDuplicates)
	}
}

// committedFacts reads every committed fact partition, in partition order.
func (r *run) committedFacts(ctx context.Context) ([]tables.FactVideoEvent, error) {
	keys, err := r.p.store.List(ctx, tables.FactVideoEvents+"/")
	if err != nil {
		return nil, storage.WriteFailure(snapshotRef(tables.UserSessions), "list facts", err, nil)
	}
	var partitions []string
	for _, key := range keys {
		if path.Base(key) != storage.ManifestFile {
			continue
		}
		rel := strings.TrimPrefix(path.Dir(key), tables.FactVideoEvents+"/")
		partitions = append(partitions, rel)
	}
	sort.Strings(partitions)

	var facts []tables.FactVideoEvent
	for _, part := range partitions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, err := readCommitted[tables.FactVideoEvent](ctx, r.p.store, storage.PartitionRef{Table: tables.FactVideoEvents, Partition: part})
		if err != nil {
			return nil, err
		}
		facts = append(facts, rows...)
	}
	curate.SortFacts(facts)
	return facts, nil
}

// publishUserMarts rebuilds user_sessions and user_retention_cohorts from
// all committed facts, so they cover every date and not only this batch.
// They are skippable only when no fact partition changed in this run.
func (r *run) publishUserMarts(ctx context.Context) {
	p := r.p
	r.factsMu.Lock()
	skippable := !r.factsChanged
	r.factsMu.Unlock()

	var (
		idx   *curate.SessionIndex
		facts []tables.FactVideoEvent
	)
	load := func(ctx context.Context) error {
		if idx != nil {
			return nil
		}
		var err error
		facts, err = r.committedFacts(ctx)
		if err != nil {
			return err
		}
		idx = curate.NewSessionIndex(curate.DeriveSessions(facts))
		return nil
	}

	sessionsRef := snapshotRef(tables.UserSessions)
	r.runUnit(ctx, sessionsRef, skippable, func(ctx context.Context) (*unitResult, error) {
		if err := load(ctx); err != nil {
			return nil, err
		}
		return single(publishRows(ctx, r, sessionsRef, curate.UserSessions(idx, p.opts.WatchThresholdSec), nil))
	})

	cohortsRef := snapshotRef(tables.UserRetentionCohorts)
	r.runUnit(ctx, cohortsRef, skippable, func(ctx context.Context) (*unitResult, error) {
		if err := load(ctx); err != nil {
			return nil, err
		}
		return single(publishRows(ctx, r, cohortsRef, curate.RetentionCohorts(facts, idx), nil))
	})
}

// publishQuarantine writes the batch's rejected records to their own
// partition. Nothing is written for a batch without rejects.
func (r *run) publishQuarantine(ctx context.Context) {
	records := r.sink.Records()
	if len(records) == 0 {
		return
	}
	ref := storage.PartitionRef{Table: tables.Quarantine, Partition: quarantine.PartitionFor(r.batchID)}
	stats := make(map[string]int64)
	for _, rec := range records {
		stats[rec.ReasonCode]++
	}
	r.runUnit(ctx, ref, true, func(ctx context.Context) (*unitResult, error) {
		return single(publishRows(ctx, r, ref, records, stats))
	})
}
