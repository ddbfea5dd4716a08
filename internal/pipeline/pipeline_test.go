package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"github.com/withObsrvr/obsrvr-curator/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-curator/internal/dimensions"
	"github.com/withObsrvr/obsrvr-curator/internal/generate"
	"github.com/withObsrvr/obsrvr-curator/internal/keys"
	"github.com/withObsrvr/obsrvr-curator/internal/landing"
	"github.com/withObsrvr/obsrvr-curator/internal/quarantine"
	"github.com/withObsrvr/obsrvr-curator/internal/schema"
	"github.com/withObsrvr/obsrvr-curator/internal/storage"
	"github.com/withObsrvr/obsrvr-curator/internal/tables"
)

var dims = map[string]string{
	"dims/users/users.csv": "user_id,signup_date,subscription_tier,age_group,gender\n" +
		"u_1,2024-02-28,free,18-24,female\n" +
		"u_2,2024-03-01,premium,25-34,male\n",
	"dims/videos/videos.csv": "video_id,title,genre,duration_seconds,patent_id\n" +
		"v_1,Video 1,drama,120,pat_1\n" +
		"v_2,Video 2,comedy,300,\n",
	"dims/devices/devices.csv": "device,device_model,os_version\n" +
		"mobile,A1,iOS 16\n" +
		"desktop,C1,Windows 11\n",
}

const day1Events = `{"event_id":"e1","event_time":"2024-03-01T10:00:00Z","event_type":"video_start","user_id":"u_1","video_id":"v_1","device":"mobile","session_id":"s1"}
{"event_id":"e2","event_time":"2024-03-01T10:00:40Z","event_type":"watch_time","user_id":"u_1","video_id":"v_1","device":"mobile","session_id":"s1","watch_time_sec":40}
{"event_id":"e3","event_time":"2024-03-02T08:00:00Z","event_type":"like","user_id":"u_2","video_id":"v_9","session_id":"s2"}
{"event_type":"like","user_id":"u_2"}
{"event_id":"e1","event_time":"2024-03-01T10:00:00Z","event_type":"video_start","user_id":"u_1","video_id":"v_1","device":"mobile","session_id":"s1"}
`

const day2Events = `{"event_id":"e4","event_time":"2024-03-02T09:00:00Z","event_type":"video_start","user_id":"u_1","video_id":"v_2","device":"desktop","session_id":"s3"}
{"event_id":"e3","event_time":"2024-03-02T08:00:00Z","event_type":"like","user_id":"u_2","video_id":"v_9","session_id":"s2"}
`

func newLanding(t *testing.T, objects map[string]string) *landing.Reader {
	t.Helper()
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	for key, data := range dims {
		require.NoError(t, bucket.WriteAll(ctx, key, []byte(data), nil))
	}
	for key, data := range objects {
		require.NoError(t, bucket.WriteAll(ctx, key, []byte(data), nil))
	}
	r, err := landing.NewReader(bucket)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func newStore(t *testing.T) *storage.LocalStore {
	t.Helper()
	s, err := storage.NewLocalStore(t.TempDir(), "curated")
	require.NoError(t, err)
	return s
}

func testOptions() Options {
	return Options{
		Name:         "streampro_test",
		Workers:      4,
		EventsPrefix: "events/",
		Dimensions: dimensions.Sources{
			Users:   "dims/users/",
			Videos:  "dims/videos/",
			Devices: "dims/devices/",
		},
		RetryAttempts: 2,
		RetryBackoff:  time.Millisecond,
	}
}

func newPipeline(t *testing.T, opts Options, l Landing, s storage.Store, cp checkpoint.Manager) *Pipeline {
	t.Helper()
	p, err := New(opts, Deps{Landing: l, Store: s, Checkpoint: cp})
	require.NoError(t, err)
	return p
}

func factRows(t *testing.T, s storage.Store, dt string) []tables.FactVideoEvent {
	t.Helper()
	rows, err := readCommitted[tables.FactVideoEvent](context.Background(), s,
		storage.PartitionRef{Table: tables.FactVideoEvents, Partition: storage.DatePartition(dt)})
	require.NoError(t, err)
	return rows
}

func eventIDs(rows []tables.FactVideoEvent) []string {
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.EventID
	}
	return ids
}

func status(t *testing.T, rep *Report, table, partition string) Status {
	t.Helper()
	pr, ok := rep.Partition(table, partition)
	require.True(t, ok, "no report for %s/%s", table, partition)
	return pr.Status
}

func TestRunPublishesCuratedTables(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	p := newPipeline(t, testOptions(), newLanding(t, map[string]string{"events/day1.jsonl": day1Events}), store, nil)

	rep, err := p.Run(ctx)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(rep.BatchID, "b_"))
	require.Equal(t, int64(4), rep.Events.Accepted)
	require.Equal(t, 1, rep.BatchDuplicates)

	for _, ref := range []struct{ table, partition string }{
		{tables.FactVideoEvents, "dt=2024-03-01"},
		{tables.FactVideoEvents, "dt=2024-03-02"},
		{tables.DailyVideoEngagement, "dt=2024-03-01"},
		{tables.DimUsers, storage.SnapshotPartition},
		{tables.DimVideos, storage.SnapshotPartition},
		{tables.DimDevices, storage.SnapshotPartition},
		{tables.UserSessions, storage.SnapshotPartition},
		{tables.UserRetentionCohorts, storage.SnapshotPartition},
		{tables.Quarantine, quarantine.PartitionFor(rep.BatchID)},
	} {
		require.Equal(t, StatusCommitted, status(t, rep, ref.table, ref.partition), "%s/%s", ref.table, ref.partition)
	}

	require.Equal(t, []string{"e1", "e2"}, eventIDs(factRows(t, store, "2024-03-01")))
	day2 := factRows(t, store, "2024-03-02")
	require.Len(t, day2, 1)
	require.True(t, day2[0].UnresolvedVideo, "v_9 has no dimension row")
	require.Equal(t, 1, rep.Join.UnresolvedVideo)

	// Missing event_time is quarantined exactly once.
	qref := storage.PartitionRef{Table: tables.Quarantine, Partition: quarantine.PartitionFor(rep.BatchID)}
	rejected, err := readCommitted[tables.QuarantineRecord](ctx, store, qref)
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	require.Equal(t, string(schema.ReasonMissingRequiredField), rejected[0].ReasonCode)
	require.Equal(t, int64(4), rejected[0].SourceLine)
	require.Equal(t, rep.BatchID, rejected[0].BatchID)

	sessions, err := readCommitted[tables.UserSessionRow](ctx, store, snapshotRef(tables.UserSessions))
	require.NoError(t, err)
	require.Len(t, sessions, 2)
}

func TestRerunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	l := newLanding(t, map[string]string{"events/day1.jsonl": day1Events})

	first, err := newPipeline(t, testOptions(), l, store, nil).Run(ctx)
	require.NoError(t, err)
	before := factRows(t, store, "2024-03-01")

	second, err := newPipeline(t, testOptions(), l, store, nil).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, first.BatchID, second.BatchID)
	require.Zero(t, second.Count(StatusCommitted))
	require.Equal(t, len(first.Partitions), second.Count(StatusUnchanged))
	require.Equal(t, before, factRows(t, store, "2024-03-01"))
}

func TestCheckpointSkipsCommittedPartitions(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	l := newLanding(t, map[string]string{"events/day1.jsonl": day1Events})
	cp, err := checkpoint.NewManager(checkpoint.Config{Enabled: true, Dir: t.TempDir(), Name: "test"})
	require.NoError(t, err)

	first, err := newPipeline(t, testOptions(), l, store, cp).Run(ctx)
	require.NoError(t, err)

	second, err := newPipeline(t, testOptions(), l, store, cp).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, len(first.Partitions), second.Count(StatusSkipped))

	opts := testOptions()
	opts.Force = true
	forced, err := newPipeline(t, opts, l, store, cp).Run(ctx)
	require.NoError(t, err)
	require.Zero(t, forced.Count(StatusSkipped))
	require.Equal(t, len(first.Partitions), forced.Count(StatusUnchanged))
}

func TestMergeAndReplaceModes(t *testing.T) {
	ctx := context.Background()

	t.Run("merge keeps committed rows", func(t *testing.T) {
		store := newStore(t)
		_, err := newPipeline(t, testOptions(), newLanding(t, map[string]string{"events/day1.jsonl": day1Events}), store, nil).Run(ctx)
		require.NoError(t, err)

		rep, err := newPipeline(t, testOptions(), newLanding(t, map[string]string{"events/day2.jsonl": day2Events}), store, nil).Run(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"e3", "e4"}, eventIDs(factRows(t, store, "2024-03-02")))
		require.Equal(t, []string{"e1", "e2"}, eventIDs(factRows(t, store, "2024-03-01")))

		pr, ok := rep.Partition(tables.FactVideoEvents, "dt=2024-03-02")
		require.True(t, ok)
		require.Equal(t, 1, pr.Duplicates, "e3 was already committed")
	})

	t.Run("replace rebuilds from the batch", func(t *testing.T) {
		store := newStore(t)
		_, err := newPipeline(t, testOptions(), newLanding(t, map[string]string{"events/day1.jsonl": day1Events}), store, nil).Run(ctx)
		require.NoError(t, err)

		opts := testOptions()
		opts.Mode = ModeReplace
		_, err = newPipeline(t, opts, newLanding(t, map[string]string{
			"events/day2.jsonl": `{"event_id":"e4","event_time":"2024-03-02T09:00:00Z","event_type":"video_start","user_id":"u_1","video_id":"v_2","device":"desktop","session_id":"s3"}` + "\n",
		}), store, nil).Run(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"e4"}, eventIDs(factRows(t, store, "2024-03-02")))
	})
}

// failingStore fails every Finalize of one table.
type failingStore struct {
	storage.Store
	table string
	calls atomic.Int32
}

func (f *failingStore) Finalize(ctx context.Context, moves []storage.Move) error {
	if len(moves) > 0 && strings.HasPrefix(moves[0].Final, f.table+"/") {
		f.calls.Add(1)
		if err := f.Store.Abort(ctx, []string{moves[0].Temp, moves[len(moves)-1].Temp}); err != nil {
			return err
		}
		return errors.New("injected rename failure")
	}
	return f.Store.Finalize(ctx, moves)
}

func TestFailedWriteLeavesCommittedPartition(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	_, err := newPipeline(t, testOptions(), newLanding(t, map[string]string{"events/day1.jsonl": day1Events}), store, nil).Run(ctx)
	require.NoError(t, err)
	before := factRows(t, store, "2024-03-02")

	failing := &failingStore{Store: store, table: tables.FactVideoEvents}
	rep, err := newPipeline(t, testOptions(), newLanding(t, map[string]string{"events/day2.jsonl": day2Events}), failing, nil).Run(ctx)
	require.Error(t, err)
	require.ErrorIs(t, err, storage.ErrPartitionWrite)
	require.NotNil(t, rep)

	pr, ok := rep.Partition(tables.FactVideoEvents, "dt=2024-03-02")
	require.True(t, ok)
	require.Equal(t, StatusFailed, pr.Status)
	require.Equal(t, 2, pr.Attempts)
	require.Equal(t, int32(2), failing.calls.Load())

	require.Equal(t, before, factRows(t, store, "2024-03-02"))
	keys, err := store.List(ctx, tables.FactVideoEvents+"/dt=2024-03-02/")
	require.NoError(t, err)
	for _, k := range keys {
		require.False(t, storage.IsTemp(k), "temp object left behind: %s", k)
	}
	require.Equal(t, StatusCommitted, status(t, rep, tables.DimUsers, storage.SnapshotPartition))
}

func TestDimensionKeyConflictAbortsRun(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	opts := testOptions()
	opts.Canonical = keys.CanonicalInt64

	rep, err := newPipeline(t, opts, newLanding(t, map[string]string{"events/day1.jsonl": day1Events}), store, nil).Run(ctx)
	require.Error(t, err)
	require.ErrorIs(t, err, keys.ErrKeyTypeConflict)
	require.Nil(t, rep)

	written, err := store.List(ctx, "")
	require.NoError(t, err)
	require.Empty(t, written)
}

func TestCanceledRunFailsPartitions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := newStore(t)
	p := newPipeline(t, testOptions(), newLanding(t, map[string]string{"events/day1.jsonl": day1Events}), store, nil)
	cancel()

	_, err := p.Run(ctx)
	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunOnGeneratedLanding(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	sum, err := generate.Write(ctx, bucket, generate.Config{
		Days: 3, Users: 25, Videos: 6, Seed: 11,
		Now: time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	l, err := landing.NewReader(bucket)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	store := newStore(t)
	rep, err := newPipeline(t, testOptions(), l, store, nil).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(sum.Events), rep.Events.Accepted)
	require.Zero(t, rep.Events.Rejected)
	require.Zero(t, rep.Join.Unresolved())

	var total int
	for _, pr := range rep.Partitions {
		if pr.Table == tables.FactVideoEvents {
			require.Equal(t, StatusCommitted, pr.Status)
			total += int(pr.Rows)

			// Export fields outside the event schema are published as attributes.
			for _, f := range factRows(t, store, strings.TrimPrefix(pr.Partition, "dt=")) {
				require.NotNil(t, f.Attributes, f.EventID)
				require.Contains(t, *f.Attributes, `"account_id":"acct_`)
				require.Contains(t, *f.Attributes, `"network_type":`)
			}
		}
	}
	require.Equal(t, sum.Events, total)
}

// coarseLanding reports modification times at whole seconds, like object
// stores that keep mtimes at second resolution.
type coarseLanding struct {
	Landing
}

func (c coarseLanding) ReadEvents(ctx context.Context, f landing.File) (*landing.EventFile, error) {
	ef, err := c.Landing.ReadEvents(ctx, f)
	if err != nil {
		return nil, err
	}
	for i := range ef.Records {
		ef.Records[i].IngestedAt = ef.Records[i].IngestedAt.Truncate(time.Second)
	}
	return ef, nil
}

func TestSubMicrosecondEventsKeepPublishedOrder(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	l := coarseLanding{newLanding(t, map[string]string{"events/day1.jsonl": `{"event_id":"z","event_time":"2024-03-01T10:00:00.000000100Z","event_type":"like","user_id":"u_1"}
{"event_id":"a","event_time":"2024-03-01T10:00:00.000000900Z","event_type":"like","user_id":"u_1"}
`})}

	_, err := newPipeline(t, testOptions(), l, store, nil).Run(ctx)
	require.NoError(t, err)
	before := factRows(t, store, "2024-03-01")
	require.Equal(t, []string{"a", "z"}, eventIDs(before))
	require.True(t, ValidatePartition("dt=2024-03-01", before).Passed)

	opts := testOptions()
	opts.Force = true
	rep, err := newPipeline(t, opts, l, store, nil).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusUnchanged, status(t, rep, tables.FactVideoEvents, "dt=2024-03-01"))
	require.Equal(t, before, factRows(t, store, "2024-03-01"))
}

func TestNumericKeysJoinAcrossFormats(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	l := newLanding(t, map[string]string{
		"dims/videos/videos.csv": "video_id,title,genre,duration_seconds,patent_id\n" +
			"7.0,Video 7,drama,120,pat_7\n",
		"events/day1.jsonl": `{"event_id":"e1","event_time":"2024-03-01T10:00:00Z","event_type":"video_start","user_id":"u_1","video_id":7}
{"event_id":"e2","event_time":"2024-03-01T10:01:00Z","event_type":"like","user_id":"u_1","video_id":"7"}
`,
	})

	rep, err := newPipeline(t, testOptions(), l, store, nil).Run(ctx)
	require.NoError(t, err)
	require.Zero(t, rep.Join.UnresolvedVideo)

	for _, f := range factRows(t, store, "2024-03-01") {
		require.NotNil(t, f.VideoID)
		require.Equal(t, "7", *f.VideoID)
		require.False(t, f.UnresolvedVideo, f.EventID)
		require.NotNil(t, f.VideoTitle)
		require.Equal(t, "Video 7", *f.VideoTitle)
	}
}
