// Package pipeline runs one curation batch end to end: load dimensions,
// stage and deduplicate events, publish curated partitions, rebuild the
// user-level marts and record lineage.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/withObsrvr/obsrvr-curator/internal/audit"
	"github.com/withObsrvr/obsrvr-curator/internal/catalog"
	"github.com/withObsrvr/obsrvr-curator/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-curator/internal/curate"
	"github.com/withObsrvr/obsrvr-curator/internal/dedup"
	"github.com/withObsrvr/obsrvr-curator/internal/dimensions"
	"github.com/withObsrvr/obsrvr-curator/internal/keys"
	"github.com/withObsrvr/obsrvr-curator/internal/landing"
	"github.com/withObsrvr/obsrvr-curator/internal/logging"
	"github.com/withObsrvr/obsrvr-curator/internal/metrics"
	"github.com/withObsrvr/obsrvr-curator/internal/quarantine"
	"github.com/withObsrvr/obsrvr-curator/internal/schema"
	"github.com/withObsrvr/obsrvr-curator/internal/storage"
	"github.com/withObsrvr/obsrvr-curator/internal/tables"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

const producerName = "curator"

// Mode selects how new rows meet a committed partition.
type Mode string

const (
	// ModeMerge deduplicates new rows against the committed partition and
	// replaces it with the union.
	ModeMerge Mode = "merge"
	// ModeReplace rebuilds the partition from this batch only.
	ModeReplace Mode = "replace"
)

// ParseMode validates a configured mode. Empty means merge.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeMerge:
		return ModeMerge, nil
	case ModeReplace:
		return ModeReplace, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// Options configure a pipeline.
type Options struct {
	Name              string // dataset domain and checkpoint name
	Mode              Mode
	Force             bool // ignore the checkpoint
	Workers           int
	RetryAttempts     int
	RetryBackoff      time.Duration
	LeaseTTL          time.Duration
	EventsPrefix      string
	Dimensions        dimensions.Sources
	Canonical         keys.Canonical
	WatchThresholdSec float64
	Parquet           tables.ParquetConfig
	Archive           bool
	CatalogStrict     bool
	AuditStrict       bool
}

func (o *Options) setDefaults() {
	if o.Name == "" {
		o.Name = "streampro"
	}
	if o.Mode == "" {
		o.Mode = ModeMerge
	}
	if o.Workers < 1 {
		o.Workers = 1
	}
	if o.RetryAttempts < 1 {
		o.RetryAttempts = 1
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 10 * time.Minute
	}
	if o.WatchThresholdSec <= 0 {
		o.WatchThresholdSec = curate.DefaultWatchThresholdSec
	}
	if o.Canonical == "" {
		o.Canonical = keys.CanonicalString
	}
}

// Landing is the landing area as the pipeline reads it.
type Landing interface {
	List(ctx context.Context, prefix string) ([]landing.File, error)
	ReadEvents(ctx context.Context, f landing.File) (*landing.EventFile, error)
	ReadTable(ctx context.Context, f landing.File) (*landing.Table, error)
}

// Deps are the collaborators of a pipeline. Landing and Store are
// required; the rest default to no-ops.
type Deps struct {
	Landing    Landing
	Store      storage.Store
	Catalog    catalog.Writer
	Audit      audit.Emitter
	Checkpoint checkpoint.Manager
	Metrics    *metrics.Metrics
}

// Pipeline orchestrates curation runs.
type Pipeline struct {
	opts       Options
	landing    Landing
	store      storage.Store
	catalog    catalog.Writer
	audit      audit.Emitter
	checkpoint checkpoint.Manager
	metrics    *metrics.Metrics
	owner      string // lease owner token
	log        *slog.Logger

	datasetMu  sync.Mutex
	datasetIDs map[string]int64
}

// New creates a pipeline.
func New(opts Options, deps Deps) (*Pipeline, error) {
	if deps.Landing == nil {
		return nil, errors.New("landing reader is required")
	}
	if deps.Store == nil {
		return nil, errors.New("store is required")
	}
	opts.setDefaults()
	if deps.Catalog == nil {
		deps.Catalog = catalog.NewNoopWriter()
	}
	if deps.Audit == nil {
		deps.Audit = audit.NewEmitter(audit.Config{})
	}
	if deps.Checkpoint == nil {
		deps.Checkpoint, _ = checkpoint.NewManager(checkpoint.Config{})
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New("curator", prometheus.NewRegistry())
	}
	return &Pipeline{
		opts:       opts,
		landing:    deps.Landing,
		store:      deps.Store,
		catalog:    deps.Catalog,
		audit:      deps.Audit,
		checkpoint: deps.Checkpoint,
		metrics:    deps.Metrics,
		owner:      producerName + "-" + uuid.NewString(),
		log:        logging.Component("pipeline"),
		datasetIDs: make(map[string]int64),
	}, nil
}

// run is the state of one Run call.
type run struct {
	p       *Pipeline
	runID   string
	batchID string
	log     *slog.Logger
	snap    *dimensions.Snapshot
	sink    *quarantine.Sink
	dedup   *dedup.Deduplicator
	report  *Report
	sources []string

	prior *checkpoint.Checkpoint // checkpoint found at start

	cpMu  sync.Mutex
	state *checkpoint.Checkpoint

	errMu sync.Mutex
	errs  []error

	// factsChanged is set once any fact partition commits new content.
	factsMu      sync.Mutex
	factsChanged bool
}

func (r *run) fail(err error) {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	r.errs = append(r.errs, err)
}

// Run executes one batch. Partition failures do not stop other partitions;
// they are reported and returned joined. Errors that make the whole batch
// unsafe to publish (a dimension key conflict, unreadable landing files)
// abort before anything is written and return a nil report.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	runID := logging.RunID(ctx)
	if runID == "" {
		runID = logging.NewRunID()
		ctx = logging.WithRunID(ctx, runID)
	}
	started := time.Now()
	r := &run{
		p:     p,
		runID: runID,
		log:   logging.RunLogger(ctx),
		sink:  quarantine.NewSink(""),
		dedup: dedup.New(nil),
	}
	r.log.Info("starting run", "mode", p.opts.Mode, "force", p.opts.Force, "workers", p.opts.Workers)

	aligner := keys.NewAligner(p.opts.Canonical)

	// Dimensions are a barrier: no event is joined before every snapshot
	// is loaded.
	snap, dimReport, err := dimensions.Load(ctx, p.landing, p.opts.Dimensions, aligner, r.sink)
	if err != nil {
		return nil, fmt.Errorf("load dimensions: %w", err)
	}
	r.snap = snap

	files, err := r.readEvents(ctx)
	if err != nil {
		return nil, err
	}

	var digests []landing.Digest
	for _, tr := range dimReport.Tables {
		digests = append(digests, tr.Files...)
	}
	for _, f := range files {
		digests = append(digests, f.Digest)
	}
	for _, d := range digests {
		r.sources = append(r.sources, d.Key)
	}
	sort.Strings(r.sources)
	r.batchID = landing.BatchID(digests)
	r.sink.SetBatchID(r.batchID)
	r.log = r.log.With("batch_id", r.batchID)
	r.report = &Report{
		RunID:      runID,
		BatchID:    r.batchID,
		Mode:       p.opts.Mode,
		StartedAt:  started.UTC(),
		Files:      r.sources,
		Dimensions: dimReport,
	}
	r.loadCheckpoint(ctx)

	if p.opts.Archive {
		if err := r.archive(ctx, files); err != nil {
			return nil, err
		}
	}

	events, err := r.stage(ctx, aligner, files)
	if err != nil {
		return nil, err
	}
	byDt, dts := groupByDt(events)
	r.log.Info("staged batch",
		"files", len(files),
		"accepted", r.report.Events.Accepted,
		"quarantined", r.sink.Len(),
		"batch_duplicates", r.report.BatchDuplicates,
		"partitions", len(dts),
	)

	r.publishDimensions(ctx)
	r.processDatePartitions(ctx, byDt, dts)
	r.publishUserMarts(ctx)
	r.publishQuarantine(ctx)

	r.finish(started)
	r.errMu.Lock()
	defer r.errMu.Unlock()
	if len(r.errs) > 0 {
		return r.report, fmt.Errorf("%d partition(s) failed: %w", r.report.Count(StatusFailed), errors.Join(r.errs...))
	}
	return r.report, nil
}

func (r *run) finish(started time.Time) {
	p := r.p
	r.report.FinishedAt = time.Now().UTC()
	r.report.sortPartitions()

	r.report.Quarantine = make(map[string]schema.Stats)
	for _, ch := range r.sink.Channels() {
		st := r.sink.Stats(ch)
		r.report.Quarantine[ch] = st
		for _, reason := range st.Reasons() {
			p.metrics.IncQuarantined(ch, string(reason), st.ByReason[reason])
		}
	}
	p.metrics.IncAccepted(quarantine.ChannelEvents, r.report.Events.Accepted)
	for table, tr := range r.report.Dimensions.Tables {
		p.metrics.IncAccepted(table, tr.Stats.Accepted)
	}
	p.metrics.AddDuplicates("batch", r.report.BatchDuplicates)
	p.metrics.AddUnresolved("user", r.report.Join.UnresolvedUser)
	p.metrics.AddUnresolved("video", r.report.Join.UnresolvedVideo)
	p.metrics.AddUnresolved("device", r.report.Join.UnresolvedDevice)
	p.metrics.RunDuration.Observe(time.Since(started).Seconds())
	p.metrics.LastRunTimestamp.SetToCurrentTime()

	r.log.Info("run complete",
		"committed", r.report.Count(StatusCommitted),
		"unchanged", r.report.Count(StatusUnchanged),
		"skipped", r.report.Count(StatusSkipped),
		"failed", r.report.Count(StatusFailed),
		"quarantined", r.report.Quarantined(),
		"unresolved", r.report.Join.Unresolved(),
		"duration", time.Since(started).String(),
	)
}
