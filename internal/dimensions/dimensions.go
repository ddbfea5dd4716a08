// Package dimensions loads dimension snapshots into an immutable, key-aligned
// Snapshot. Loading completes before any fact partition is joined.
package dimensions

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/withObsrvr/obsrvr-curator/internal/keys"
	"github.com/withObsrvr/obsrvr-curator/internal/landing"
	"github.com/withObsrvr/obsrvr-curator/internal/logging"
	"github.com/withObsrvr/obsrvr-curator/internal/quarantine"
	"github.com/withObsrvr/obsrvr-curator/internal/schema"
	"github.com/withObsrvr/obsrvr-curator/internal/tables"
)

// ErrNoSnapshot is returned when a configured snapshot prefix holds no files.
var ErrNoSnapshot = errors.New("no dimension snapshot")

// SnapshotReader is the part of the landing reader used here.
type SnapshotReader interface {
	List(ctx context.Context, prefix string) ([]landing.File, error)
	ReadTable(ctx context.Context, f landing.File) (*landing.Table, error)
}

// Sources are the landing prefixes of each dimension. An empty prefix means
// the dimension is not provided and loads empty.
type Sources struct {
	Users   string
	Videos  string
	Devices string
}

// TableReport summarizes one dimension load.
type TableReport struct {
	Files []landing.Digest `json:"files"`
	Rows  int              `json:"rows"`
	// Superseded counts rows replaced by a later row with the same key.
	Superseded int          `json:"superseded"`
	Stats      schema.Stats `json:"stats"`
}

// LoadReport summarizes a Load call per table.
type LoadReport struct {
	Tables map[string]*TableReport `json:"tables"`
}

// Snapshot is the loaded, immutable dimension state. Lookups are safe for
// concurrent use.
type Snapshot struct {
	users   map[string]tables.DimUser
	videos  map[string]tables.DimVideo
	devices map[string]tables.DimDevice

	userList   []tables.DimUser
	videoList  []tables.DimVideo
	deviceList []tables.DimDevice
}

// User looks up a user by canonical key.
func (s *Snapshot) User(k keys.Key) (tables.DimUser, bool) {
	if !k.Valid {
		return tables.DimUser{}, false
	}
	u, ok := s.users[k.Value]
	return u, ok
}

// Video looks up a video by canonical key.
func (s *Snapshot) Video(k keys.Key) (tables.DimVideo, bool) {
	if !k.Valid {
		return tables.DimVideo{}, false
	}
	v, ok := s.videos[k.Value]
	return v, ok
}

// Device looks up a device by canonical key.
func (s *Snapshot) Device(k keys.Key) (tables.DimDevice, bool) {
	if !k.Valid {
		return tables.DimDevice{}, false
	}
	d, ok := s.devices[k.Value]
	return d, ok
}

// Users returns every user ordered by key. The slice is a copy.
func (s *Snapshot) Users() []tables.DimUser { return append([]tables.DimUser(nil), s.userList...) }

// Videos returns every video ordered by key. The slice is a copy.
func (s *Snapshot) Videos() []tables.DimVideo { return append([]tables.DimVideo(nil), s.videoList...) }

// Devices returns every device ordered by key. The slice is a copy.
func (s *Snapshot) Devices() []tables.DimDevice {
	return append([]tables.DimDevice(nil), s.deviceList...)
}

// row is one validated snapshot row with its aligned key.
type row struct {
	key    keys.Key
	rec    schema.Record
	source string
}

type loader struct {
	reader  SnapshotReader
	aligner keys.Aligner
	sink    *quarantine.Sink
}

// Load reads all snapshot files of every dimension. Files are applied in key
// order and rows in file order, so the latest snapshot wins per key. Invalid
// rows are quarantined. A key that cannot be aligned without loss aborts the
// load with a *keys.KeyTypeConflictError.
func Load(ctx context.Context, r SnapshotReader, src Sources, aligner keys.Aligner, sink *quarantine.Sink) (*Snapshot, LoadReport, error) {
	l := &loader{reader: r, aligner: aligner, sink: sink}
	report := LoadReport{Tables: make(map[string]*TableReport)}
	snap := &Snapshot{
		users:   make(map[string]tables.DimUser),
		videos:  make(map[string]tables.DimVideo),
		devices: make(map[string]tables.DimDevice),
	}

	users, rep, err := l.load(ctx, tables.DimUsers, src.Users, UserSchema())
	if err != nil {
		return nil, report, err
	}
	report.Tables[tables.DimUsers] = rep
	for _, r := range users {
		snap.users[r.key.Value] = tables.DimUser{
			UserID:           r.key.Value,
			SignupDate:       datePtr(r.rec.Get("signup_date")),
			Country:          r.rec.Get("country").StringPtr(),
			SubscriptionTier: r.rec.Get("subscription_tier").StringPtr(),
			AgeGroup:         r.rec.Get("age_group").StringPtr(),
			Gender:           r.rec.Get("gender").StringPtr(),
			SourceFile:       r.source,
		}
	}

	videos, rep, err := l.load(ctx, tables.DimVideos, src.Videos, VideoSchema())
	if err != nil {
		return nil, report, err
	}
	report.Tables[tables.DimVideos] = rep
	for _, r := range videos {
		snap.videos[r.key.Value] = tables.DimVideo{
			VideoID:         r.key.Value,
			Title:           r.rec.Get("title").StringPtr(),
			Category:        r.rec.Get("category").StringPtr(),
			CreatorID:       r.rec.Get("creator_id").StringPtr(),
			DurationSeconds: intPtr(r.rec.Get("duration_seconds")),
			SourceFile:      r.source,
		}
	}

	devices, rep, err := l.load(ctx, tables.DimDevices, src.Devices, DeviceSchema())
	if err != nil {
		return nil, report, err
	}
	report.Tables[tables.DimDevices] = rep
	for _, r := range devices {
		snap.devices[r.key.Value] = tables.DimDevice{
			DeviceID:    r.key.Value,
			Platform:    r.rec.Get("platform").StringPtr(),
			AppVersion:  r.rec.Get("app_version").StringPtr(),
			DeviceModel: r.rec.Get("device_model").StringPtr(),
			SourceFile:  r.source,
		}
	}

	snap.userList = sortedValues(snap.users)
	snap.videoList = sortedValues(snap.videos)
	snap.deviceList = sortedValues(snap.devices)
	return snap, report, nil
}

// load returns the surviving row per key, in first-seen key order.
func (l *loader) load(ctx context.Context, table, prefix string, s schema.Schema) ([]row, *TableReport, error) {
	rep := &TableReport{}
	if prefix == "" {
		return nil, rep, nil
	}
	log := logging.Component("dimensions").With("table", table)

	v, err := schema.NewValidator(s)
	if err != nil {
		return nil, nil, err
	}
	keyCol := s.Fields[0].Name

	files, err := l.reader.List(ctx, prefix)
	if err != nil {
		return nil, nil, err
	}
	if len(files) == 0 {
		return nil, nil, fmt.Errorf("%s under %q: %w", table, prefix, ErrNoSnapshot)
	}

	var out []row
	slot := make(map[string]int)
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		tbl, err := l.reader.ReadTable(ctx, f)
		if err != nil {
			return nil, nil, err
		}
		rep.Files = append(rep.Files, tbl.Digest)

		var (
			valid  []schema.Record
			lines  []int
			raws   [][]byte
			values []schema.Value
		)
		for _, r := range tbl.Rows {
			if r.Err != nil {
				rep.Stats.Reject(l.sink.Add(table, f.Key, r.Line, r.Raw,
					&schema.ValidationError{Reason: schema.ReasonMalformedPayload, Detail: r.Err.Error()}))
				continue
			}
			rec, err := v.Validate(r.Fields())
			if err != nil {
				rep.Stats.Reject(l.sink.Add(table, f.Key, r.Line, r.Raw, err))
				continue
			}
			valid = append(valid, rec)
			lines = append(lines, r.Line)
			raws = append(raws, r.Raw)
			values = append(values, rec.Get(keyCol))
		}

		aligned, err := l.aligner.AlignColumn(table, keyCol, values)
		if err != nil {
			var kc *keys.KeyTypeConflictError
			if errors.As(err, &kc) {
				kc.Row = lines[kc.Row-1]
			}
			return nil, nil, fmt.Errorf("%s: %w", f.Key, err)
		}

		for i, k := range aligned {
			if !k.Valid {
				rep.Stats.Reject(l.sink.Add(table, f.Key, lines[i], raws[i], &schema.ValidationError{
					Reason: schema.ReasonMissingRequiredField, Field: keyCol, Detail: "null key token",
				}))
				continue
			}
			rep.Stats.Observe(nil)
			r := row{key: k, rec: valid[i], source: f.Key}
			if at, seen := slot[k.Value]; seen {
				out[at] = r
				rep.Superseded++
				continue
			}
			slot[k.Value] = len(out)
			out = append(out, r)
		}
	}
	rep.Rows = len(out)
	log.Info("loaded dimension snapshot",
		"files", len(files),
		"rows", rep.Rows,
		"superseded", rep.Superseded,
		"rejected", rep.Stats.Rejected,
	)
	return out, rep, nil
}

func datePtr(v schema.Value) *string {
	if v.Kind() != schema.KindTime {
		return nil
	}
	s := v.Time().Format(tables.DateLayout)
	return &s
}

func intPtr(v schema.Value) *int64 {
	if v.Kind() != schema.KindInt {
		return nil
	}
	i := v.Int()
	return &i
}

func sortedValues[T any](m map[string]T) []T {
	ks := make([]string, 0, len(m))
	for k := range m {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	out := make([]T, len(ks))
	for i, k := range ks {
		out[i] = m[k]
	}
	return out
}

// NewSnapshot builds a snapshot from already-typed rows. Later rows win per
// key. It is used when curating from committed tables and in tests.
func NewSnapshot(users []tables.DimUser, videos []tables.DimVideo, devices []tables.DimDevice) *Snapshot {
	s := &Snapshot{
		users:   make(map[string]tables.DimUser, len(users)),
		videos:  make(map[string]tables.DimVideo, len(videos)),
		devices: make(map[string]tables.DimDevice, len(devices)),
	}
	for _, u := range users {
		s.users[u.UserID] = u
	}
	for _, v := range videos {
		s.videos[v.VideoID] = v
	}
	for _, d := range devices {
		s.devices[d.DeviceID] = d
	}
	s.userList = sortedValues(s.users)
	s.videoList = sortedValues(s.videos)
	s.deviceList = sortedValues(s.devices)
	return s
}
