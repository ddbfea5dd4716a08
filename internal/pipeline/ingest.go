package pipeline

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/obsrvr-curator/internal/keys"
	"github.com/withObsrvr/obsrvr-curator/internal/landing"
	"github.com/withObsrvr/obsrvr-curator/internal/logging"
	"github.com/withObsrvr/obsrvr-curator/internal/schema"
	"github.com/withObsrvr/obsrvr-curator/internal/staging"
	"github.com/withObsrvr/obsrvr-curator/internal/tables"
)

// readEvents lists and reads every event file, in parallel, keeping key
// order in the result.
func (r *run) readEvents(ctx context.Context) ([]*landing.EventFile, error) {
	p := r.p
	listed, err := p.landing.List(ctx, p.opts.EventsPrefix)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	if len(listed) == 0 {
		r.log.Warn("no event files", "prefix", p.opts.EventsPrefix)
	}

	files := make([]*landing.EventFile, len(listed))
	slots := newWorkerSlots(p.opts.Workers)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)
	for i, f := range listed {
		g.Go(func() error {
			w := slots.acquire()
			defer slots.release(w)
			ef, err := p.landing.ReadEvents(gctx, f)
			if err != nil {
				return fmt.Errorf("read events: %w", err)
			}
			logging.WorkerLogger(gctx, "read", w).Debug("read event file",
				"key", f.Key, "records", len(ef.Records), "bytes", len(ef.Raw))
			files[i] = ef
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return files, nil
}

// archive keeps the raw bytes of every landing event file of the batch.
func (r *run) archive(ctx context.Context, files []*landing.EventFile) error {
	a := landing.NewArchiver(r.p.store)
	for _, f := range files {
		if err := a.Archive(ctx, r.batchID, f.File.Key, f.Raw); err != nil {
			return err
		}
	}
	r.log.Info("archived landing files", "files", len(files))
	return nil
}

// stage validates every record, quarantining rejects, and deduplicates the
// batch as a whole. The result keeps landing order.
func (r *run) stage(ctx context.Context, aligner keys.Aligner, files []*landing.EventFile) ([]tables.StagedEvent, error) {
	stager, err := staging.New(schema.EventSchema(), aligner, r.batchID)
	if err != nil {
		return nil, err
	}

	staged := make([][]tables.StagedEvent, len(files))
	stats := make([]schema.Stats, len(files))
	slots := newWorkerSlots(r.p.opts.Workers)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.p.opts.Workers)
	for i, f := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			w := slots.acquire()
			defer slots.release(w)
			staged[i], stats[i] = stager.StageFile(f, r.sink)
			logging.WorkerLogger(gctx, "stage", w).Debug("staged event file",
				"key", f.File.Key, "accepted", stats[i].Accepted, "rejected", stats[i].Rejected)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []tables.StagedEvent
	for i := range files {
		r.report.Events.Merge(stats[i])
		all = append(all, staged[i]...)
	}
	events, st := r.dedup.Apply(nil, all)
	r.report.BatchDuplicates = st.BatchDuplicates
	return events, nil
}

// workerSlots hands out stable worker ids to the goroutines of a pool bounded
// by errgroup.SetLimit, so at most n ids are ever in use.
type workerSlots chan int

func newWorkerSlots(n int) workerSlots {
	if n < 1 {
		n = 1
	}
	s := make(workerSlots, n)
	for i := 0; i < n; i++ {
		s <- i
	}
	return s
}

func (s workerSlots) acquire() int { return <-s }
func (s workerSlots) release(id int) { s <- id }

// groupByDt splits events by partition date and returns the dates sorted.
func groupByDt(events []tables.StagedEvent) (map[string][]tables.StagedEvent, []string) {
	byDt := make(map[string][]tables.StagedEvent)
	for _, e := range events {
		byDt[e.Dt] = append(byDt[e.Dt], e)
	}
	dts := make([]string, 0, len(byDt))
	for dt := range byDt {
		dts = append(dts, dt)
	}
	sort.Strings(dts)
	return byDt, dts
}
