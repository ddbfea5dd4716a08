package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-curator/internal/audit"
	"github.com/withObsrvr/obsrvr-curator/internal/catalog"
	"github.com/withObsrvr/obsrvr-curator/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-curator/internal/config"
	"github.com/withObsrvr/obsrvr-curator/internal/dimensions"
	"github.com/withObsrvr/obsrvr-curator/internal/keys"
	"github.com/withObsrvr/obsrvr-curator/internal/landing"
	"github.com/withObsrvr/obsrvr-curator/internal/logging"
	"github.com/withObsrvr/obsrvr-curator/internal/metrics"
	"github.com/withObsrvr/obsrvr-curator/internal/pipeline"
	"github.com/withObsrvr/obsrvr-curator/internal/storage"
	"github.com/withObsrvr/obsrvr-curator/internal/tables"
)

type runFlags struct {
	config string
	mode   string
	force  bool
	report string
}

func runCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Curate the current landing area once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(f.config)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("mode") {
				cfg.Run.Mode = f.mode
			}
			if cmd.Flags().Changed("force") {
				cfg.Run.Force = f.force
			}
			return run(cfg, f.report)
		},
	}
	cmd.Flags().StringVar(&f.config, "config", "", "path to a YAML config file")
	cmd.Flags().StringVar(&f.mode, "mode", "merge", "merge new rows into committed partitions, or replace them")
	cmd.Flags().BoolVar(&f.force, "force", false, "reprocess partitions the checkpoint marks as committed")
	cmd.Flags().StringVar(&f.report, "report", "", "write the run report as JSON to this file")
	return cmd
}

// app holds the opened collaborators of one curator process.
type app struct {
	pipeline *pipeline.Pipeline
	landing  *landing.Reader
	closers  []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Printf("[main] close: %v", err)
		}
	}
}

// signalContext returns a context canceled on SIGINT or SIGTERM. The
// returned stop function cancels it and stops signal delivery.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)

	// Graceful shutdown handler
	go func() {
		select {
		case sig := <-ch:
			log.Printf("[shutdown] received signal: %v", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(ch)
		cancel()
	}
}

// setup opens every collaborator named by cfg and builds the pipeline.
func setup(ctx context.Context, cfg config.Config) (*app, error) {
	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})
	log.Printf("[main] curator %s (%s)", pipeline.Version, pipeline.GitSHA)

	opts, err := pipelineOptions(cfg)
	if err != nil {
		return nil, err
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.Init("curator")
		go func() {
			log.Printf("[metrics] serving on %s", cfg.Metrics.Address)
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				log.Printf("[metrics] server stopped: %v", err)
			}
		}()
	}

	a := &app{}
	src, err := landing.Open(ctx, landingConfig(cfg.Landing))
	if err != nil {
		return nil, fmt.Errorf("open landing: %w", err)
	}
	a.landing = src
	a.closers = append(a.closers, src.Close)

	store, err := storage.New(ctx, storageConfig(cfg.Storage))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.closers = append(a.closers, store.Close)

	cat, err := catalog.New(ctx, catalog.Config{DSN: cfg.Catalog.DSN})
	if err != nil {
		if cfg.Catalog.Strict {
			a.Close()
			return nil, fmt.Errorf("open catalog: %w", err)
		}
		log.Printf("[main] catalog unavailable, continuing without lineage: %v", err)
		cat = catalog.NewNoopWriter()
	}
	a.closers = append(a.closers, cat.Close)

	emitter := audit.NewEmitter(audit.Config{
		Enabled:  cfg.Audit.Enabled,
		Endpoint: cfg.Audit.Endpoint,
		Dir:      cfg.Audit.Dir,
	})
	a.closers = append(a.closers, emitter.Close)

	cp, err := checkpoint.NewManager(checkpoint.Config{
		Enabled: cfg.Checkpoint.Enabled,
		Dir:     cfg.Checkpoint.Dir,
		Name:    opts.Name,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.pipeline, err = pipeline.New(opts, pipeline.Deps{
		Landing:    src,
		Store:      store,
		Catalog:    cat,
		Audit:      emitter,
		Checkpoint: cp,
		Metrics:    m,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func run(cfg config.Config, reportPath string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := setup(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	report, runErr := a.pipeline.Run(ctx)
	if report != nil && reportPath != "" {
		if err := writeReport(reportPath, report); err != nil {
			log.Printf("[main] %v", err)
		}
	}
	if runErr != nil {
		if ctx.Err() != nil {
			log.Printf("[main] run interrupted")
		}
		return runErr
	}

	log.Printf("[main] batch %s done: %d committed, %d unchanged, %d skipped",
		report.BatchID,
		report.Count(pipeline.StatusCommitted),
		report.Count(pipeline.StatusUnchanged),
		report.Count(pipeline.StatusSkipped),
	)
	return nil
}

func pipelineOptions(cfg config.Config) (pipeline.Options, error) {
	mode, err := pipeline.ParseMode(cfg.Run.Mode)
	if err != nil {
		return pipeline.Options{}, err
	}
	canonical, err := keys.ParseCanonical(cfg.Keys.Canonical)
	if err != nil {
		return pipeline.Options{}, err
	}
	return pipeline.Options{
		Name:          cfg.Run.Pipeline,
		Mode:          mode,
		Force:         cfg.Run.Force,
		Workers:       cfg.Perf.Workers,
		RetryAttempts: cfg.Perf.RetryAttempts,
		RetryBackoff:  cfg.Perf.RetryBackoff,
		LeaseTTL:      cfg.Perf.LeaseTTL,
		EventsPrefix:  cfg.Landing.EventsPrefix,
		Dimensions: dimensions.Sources{
			Users:   cfg.Landing.UsersPrefix,
			Videos:  cfg.Landing.VideosPrefix,
			Devices: cfg.Landing.DevicesPrefix,
		},
		Canonical:         canonical,
		WatchThresholdSec: cfg.Retention.WatchThresholdSec,
		Parquet:           tables.ParquetConfig{Compression: cfg.Parquet.Compression},
		Archive:           cfg.Landing.Archive,
		CatalogStrict:     cfg.Catalog.Strict,
		AuditStrict:       cfg.Audit.Strict,
	}, nil
}

func landingConfig(c config.LandingConfig) landing.Config {
	lc := landing.Config{
		Backend:    c.Backend,
		LocalDir:   c.LocalDir,
		S3Endpoint: c.S3Endpoint,
		S3Region:   c.S3Region,
		URL:        c.URL,
	}
	switch c.Backend {
	case "gcs":
		lc.GCSBucket = c.Bucket
	case "s3":
		lc.S3Bucket = c.Bucket
	}
	return lc
}

func storageConfig(c config.StorageConfig) storage.Config {
	sc := storage.Config{
		Backend:    c.Backend,
		LocalDir:   c.LocalDir,
		S3Endpoint: c.S3Endpoint,
		S3Region:   c.S3Region,
		URL:        c.URL,
		Prefix:     c.Prefix,
	}
	switch c.Backend {
	case "gcs":
		sc.GCSBucket = c.Bucket
	case "s3":
		sc.S3Bucket = c.Bucket
	}
	return sc
}

func writeReport(path string, report *pipeline.Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write report %s: %w", path, err)
	}
	return nil
}
