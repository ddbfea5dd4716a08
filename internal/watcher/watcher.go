// Package watcher polls the landing area and triggers a curation run
// whenever its contents change.
package watcher

import (
	"context"
	"encoding/hex"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/withObsrvr/obsrvr-curator/internal/landing"
	"github.com/withObsrvr/obsrvr-curator/internal/pipeline"
)

// Lister lists landing files.
type Lister interface {
	List(ctx context.Context, prefix string) ([]landing.File, error)
}

// Runner runs one curation batch.
type Runner interface {
	Run(ctx context.Context) (*pipeline.Report, error)
}

// Config configures polling.
type Config struct {
	Interval time.Duration
	// Prefixes are the landing prefixes whose contents define a batch.
	Prefixes []string
}

type Watcher struct {
	cfg    Config
	lister Lister
	runner Runner

	// last is the fingerprint of the last successfully curated listing.
	last string
}

func New(cfg Config, lister Lister, runner Runner) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Watcher{cfg: cfg, lister: lister, runner: runner}
}

// Run polls until ctx is canceled. Failed runs are retried on the next
// tick; they do not stop the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	log.Printf("[watcher] polling %v every %s", w.cfg.Prefixes, w.cfg.Interval)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := w.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("[watcher] poll failed: %v", err)
		}
		select {
		case <-ctx.Done():
			log.Printf("[watcher] stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Poll lists the landing area once and runs the pipeline if the listing
// changed since the last successful run. It reports whether a run happened.
func (w *Watcher) Poll(ctx context.Context) (bool, error) {
	fp, n, err := w.fingerprint(ctx)
	if err != nil {
		return false, err
	}
	if n == 0 || fp == w.last {
		return false, nil
	}

	log.Printf("[watcher] landing changed (%d files), starting run", n)
	report, err := w.runner.Run(ctx)
	if err != nil {
		return true, err
	}
	w.last = fp
	log.Printf("[watcher] batch %s curated: %d committed, %d unchanged",
		report.BatchID, report.Count(pipeline.StatusCommitted), report.Count(pipeline.StatusUnchanged))
	return true, nil
}

// fingerprint hashes the key, size and modification time of every file
// under the watched prefixes.
func (w *Watcher) fingerprint(ctx context.Context) (string, int, error) {
	if len(w.cfg.Prefixes) == 0 {
		return "", 0, errors.New("no landing prefixes to watch")
	}
	h := xxh3.New()
	n := 0
	for _, prefix := range w.cfg.Prefixes {
		files, err := w.lister.List(ctx, prefix)
		if err != nil {
			return "", 0, err
		}
		for _, f := range files {
			h.WriteString(f.Key)
			h.WriteString("\x00")
			h.WriteString(strconv.FormatInt(f.Size, 10))
			h.WriteString("\x00")
			h.WriteString(strconv.FormatInt(f.ModTime.UnixNano(), 10))
			h.WriteString("\n")
		}
		n += len(files)
	}
	sum := h.Sum128().Bytes()
	return hex.EncodeToString(sum[:]), n, nil
}
