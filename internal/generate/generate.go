// Package generate writes a synthetic StreamPro landing area: dimension
// snapshots as CSV and a newline-delimited event export, shaped like the
// raw product export (timestamp, event_name, value, device).
package generate

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"time"

	"gocloud.dev/blob"

	"github.com/withObsrvr/obsrvr-curator/internal/logging"
)

// Output keys, relative to the bucket root.
const (
	EventsKey  = "events/events.jsonl"
	UsersKey   = "dims/users/users.csv"
	VideosKey  = "dims/videos/videos.csv"
	DevicesKey = "dims/devices/devices.csv"
)

const timestampLayout = "2006-01-02T15:04:05.000000"

var (
	tiers        = []string{"free", "basic", "premium"}
	ageGroups    = []string{"18-24", "25-34", "35-44", "45-54", "55+"}
	genders      = []string{"female", "male", "other", "prefer_not_to_say"}
	genres       = []string{"drama", "comedy", "documentary", "action", "horror", "sci-fi", "fantasy", "romance"}
	deviceTypes  = []string{"mobile", "tablet", "desktop"}
	deviceModels = []string{"A1", "A2", "B1", "B2", "C1"}
	osVersions   = []string{"iOS 16", "Android 13", "Windows 11", "macOS 14"}
	accounts     = []string{"acct_1", "acct_2", "acct_3"}
	deviceOSes   = []string{"iOS", "Android", "Windows", "macOS"}
	appVersions  = []string{"1.0.0", "1.1.0", "1.2.0", "2.0.0", "2.1.0"}
	networks     = []string{"wifi", "4G", "5G"}
	countries    = []string{"US", "CA", "GB", "DE", "FR", "BR", "IN", "AU", "JP"}
)

// Config sizes the generated dataset.
type Config struct {
	Days   int
	Users  int
	Videos int
	Seed   uint64
	// Now anchors signup dates and the event window. Zero means the
	// current time.
	Now time.Time
}

// DefaultConfig returns the standard development dataset size.
func DefaultConfig() Config {
	return Config{Days: 7, Users: 300, Videos: 80, Seed: 42}
}

// Event is one line of the raw event export.
type Event struct {
	Timestamp   string  `json:"timestamp"`
	AccountID   string  `json:"account_id"`
	UserID      string  `json:"user_id"`
	VideoID     *string `json:"video_id"`
	SessionID   string  `json:"session_id"`
	EventName   string  `json:"event_name"`
	Value       *int    `json:"value"`
	Device      string  `json:"device"`
	DeviceOS    string  `json:"device_os"`
	AppVersion  string  `json:"app_version"`
	NetworkType string  `json:"network_type"`
	IP          string  `json:"ip"`
	Country     string  `json:"country"`
}

// Dataset is a generated landing area held in memory.
type Dataset struct {
	Users   [][]string
	Videos  [][]string
	Devices [][]string
	Events  []Event
}

// Summary counts what Write produced.
type Summary struct {
	Users   int
	Videos  int
	Devices int
	Events  int
}

type generator struct {
	cfg Config
	rng *rand.Rand
}

// Generate builds a dataset. The same Config always yields the same
// dataset.
func Generate(cfg Config) *Dataset {
	if cfg.Now.IsZero() {
		cfg.Now = time.Now().UTC()
	}
	g := &generator{cfg: cfg, rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))}
	ds := &Dataset{
		Users:   g.users(),
		Videos:  g.videos(),
		Devices: devices(),
	}
	ds.Events = g.events(ds.Users, ds.Videos)
	return ds
}

func (g *generator) pick(options []string) string {
	return options[g.rng.IntN(len(options))]
}

// between returns a uniform integer in [lo, hi].
func (g *generator) between(lo, hi int) int {
	return lo + g.rng.IntN(hi-lo+1)
}

// poisson draws from a Poisson distribution with mean lambda.
func (g *generator) poisson(lambda float64) int {
	limit := math.Exp(-lambda)
	k, p := 0, g.rng.Float64()
	for p > limit {
		k++
		p *= g.rng.Float64()
	}
	return k
}

func (g *generator) users() [][]string {
	today := g.cfg.Now.UTC().Truncate(24 * time.Hour)
	rows := [][]string{{"user_id", "signup_date", "subscription_tier", "age_group", "gender"}}
	for i := 0; i < g.cfg.Users; i++ {
		signup := today.AddDate(0, 0, -g.between(1, g.cfg.Days+7))
		rows = append(rows, []string{
			fmt.Sprintf("u_%05d", i),
			signup.Format(time.DateOnly),
			g.pick(tiers),
			g.pick(ageGroups),
			g.pick(genders),
		})
	}
	return rows
}

func (g *generator) videos() [][]string {
	rows := [][]string{{"video_id", "title", "genre", "duration_seconds", "patent_id"}}
	for i := 0; i < g.cfg.Videos; i++ {
		rows = append(rows, []string{
			fmt.Sprintf("v_%05d", i),
			fmt.Sprintf("Video %d", i),
			g.pick(genres),
			strconv.Itoa(g.between(30, 3600)),
			fmt.Sprintf("pat_%d", g.between(1000, 9999)),
		})
	}
	return rows
}

func devices() [][]string {
	rows := [][]string{{"device", "device_model", "os_version"}}
	for _, d := range deviceTypes {
		for _, m := range deviceModels {
			for _, o := range osVersions {
				rows = append(rows, []string{d, m, o})
			}
		}
	}
	return rows
}

// sample returns k distinct elements of options.
func (g *generator) sample(options []string, k int) []string {
	idx := g.rng.Perm(len(options))[:k]
	out := make([]string, k)
	for i, j := range idx {
		out[i] = options[j]
	}
	return out
}

func (g *generator) events(users, videos [][]string) []Event {
	base := g.cfg.Now.UTC().Add(-time.Duration(g.cfg.Days) * 24 * time.Hour)
	videoIDs := make([]string, 0, len(videos)-1)
	for _, row := range videos[1:] {
		videoIDs = append(videoIDs, row[0])
	}

	var out []Event
	for _, row := range users[1:] {
		userID := row[0]
		sessions := g.poisson(1.8) + 1
		sessionTime := base.Add(time.Duration(g.between(0, g.cfg.Days*24)) * time.Hour)

		for s := 0; s < sessions; s++ {
			tmpl := Event{
				AccountID:   g.pick(accounts),
				UserID:      userID,
				SessionID:   fmt.Sprintf("s_%s_%04d", userID, s),
				Device:      g.pick(deviceTypes),
				DeviceOS:    g.pick(deviceOSes),
				AppVersion:  g.pick(appVersions),
				NetworkType: g.pick(networks),
				IP:          fmt.Sprintf("10.%d.%d.%d", g.between(0, 255), g.between(0, 255), g.between(1, 254)),
				Country:     g.pick(countries),
			}
			emit := func(at time.Time, name string, video *string, value *int) {
				e := tmpl
				e.Timestamp = at.Format(timestampLayout)
				e.EventName = name
				e.VideoID = video
				e.Value = value
				out = append(out, e)
			}

			if s == 0 {
				emit(sessionTime.Add(-5*time.Minute), "first_login", nil, nil)
			}
			emit(sessionTime, "session_start", nil, nil)

			watched := 0
			chunks := g.between(1, 10)
			t := sessionTime
			var candidates []string
			if len(videoIDs) > 0 {
				candidates = g.sample(videoIDs, min(len(videoIDs), g.between(1, 4)))
			}
			for c := 0; c < chunks && len(candidates) > 0; c++ {
				t = t.Add(time.Duration(g.between(1, 50)) * time.Second)
				value := int(g.rng.ExpFloat64()*12) + 1
				watched += value
				video := g.pick(candidates)
				emit(t, "watch_time", &video, &value)

				if g.rng.Float64() < 0.12 {
					liked := g.pick(candidates)
					emit(t.Add(time.Second), g.pick([]string{"like", "heart"}), &liked, nil)
				}
			}

			end := sessionTime.Add(time.Duration(watched+g.between(0, 60)) * time.Second)
			emit(end, "session_end", nil, nil)
			sessionTime = end.Add(time.Duration(g.between(10, 600)) * time.Minute)
		}
	}
	return out
}

// EncodeEvents renders events as newline-delimited JSON.
func EncodeEvents(events []Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return nil, fmt.Errorf("encode event: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// EncodeCSV renders rows, header first, as CSV.
func EncodeCSV(rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("encode csv: %w", err)
	}
	return buf.Bytes(), nil
}

// Write generates a dataset and stores it in bucket under the standard
// landing layout.
func Write(ctx context.Context, bucket *blob.Bucket, cfg Config) (Summary, error) {
	log := logging.Component("generate")
	ds := Generate(cfg)

	events, err := EncodeEvents(ds.Events)
	if err != nil {
		return Summary{}, err
	}
	objects := []struct {
		key  string
		rows [][]string
	}{
		{UsersKey, ds.Users},
		{VideosKey, ds.Videos},
		{DevicesKey, ds.Devices},
	}
	for _, o := range objects {
		data, err := EncodeCSV(o.rows)
		if err != nil {
			return Summary{}, err
		}
		if err := bucket.WriteAll(ctx, o.key, data, nil); err != nil {
			return Summary{}, fmt.Errorf("write %s: %w", o.key, err)
		}
		log.Info("wrote snapshot", "key", o.key, "rows", len(o.rows)-1)
	}
	if err := bucket.WriteAll(ctx, EventsKey, events, nil); err != nil {
		return Summary{}, fmt.Errorf("write %s: %w", EventsKey, err)
	}
	log.Info("wrote events", "key", EventsKey, "events", len(ds.Events))

	return Summary{
		Users:   len(ds.Users) - 1,
		Videos:  len(ds.Videos) - 1,
		Devices: len(ds.Devices) - 1,
		Events:  len(ds.Events),
	}, nil
}
