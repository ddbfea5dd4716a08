package curate

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-curator/internal/dimensions"
	"github.com/withObsrvr/obsrvr-curator/internal/keys"
	"github.com/withObsrvr/obsrvr-curator/internal/tables"
)

var day0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func str(s string) *string { return &s }

func ms(v int64) *int64 { return &v }

type eventOpt func(*tables.StagedEvent)

func withVideo(v string) eventOpt   { return func(e *tables.StagedEvent) { e.VideoID = keys.Of(v) } }
func withDevice(d string) eventOpt  { return func(e *tables.StagedEvent) { e.DeviceID = keys.Of(d) } }
func withSession(s string) eventOpt { return func(e *tables.StagedEvent) { e.SessionID = keys.Of(s) } }
func withWatch(sec int64) eventOpt  { return func(e *tables.StagedEvent) { e.WatchTimeMs = ms(sec * 1000) } }

func event(id, user string, at time.Time, opts ...eventOpt) tables.StagedEvent {
	e := tables.StagedEvent{
		EventID:   id,
		EventTime: at,
		EventType: "watch_time",
		UserID:    keys.Of(user),
		Dt:        tables.PartitionDate(at),
	}
	for _, o := range opts {
		o(&e)
	}
	return e
}

func testDims() *dimensions.Snapshot {
	return dimensions.NewSnapshot(
		[]tables.DimUser{{UserID: "u1", Country: str("US")}, {UserID: "u2", Country: str("CA")}},
		[]tables.DimVideo{{VideoID: "v1", Title: str("Video 1"), Category: str("drama")}},
		[]tables.DimDevice{{DeviceID: "mobile", Platform: str("iOS 16")}},
	)
}

func TestJoinFactsFlagsUnresolvedAndKeepsRows(t *testing.T) {
	events := []tables.StagedEvent{
		event("e3", "u1", day0.Add(2*time.Hour), withVideo("v1"), withDevice("mobile")),
		event("e1", "ghost", day0, withVideo("v404")),
		event("e2", "u2", day0.Add(time.Hour)),
	}
	facts, stats := JoinFacts(events, testDims())

	require.Len(t, facts, 3)
	require.Equal(t, []string{"e1", "e2", "e3"}, []string{facts[0].EventID, facts[1].EventID, facts[2].EventID})

	ghost := facts[0]
	require.True(t, ghost.UnresolvedUser)
	require.True(t, ghost.UnresolvedVideo)
	require.False(t, ghost.UnresolvedDevice, "null device key is absent, not unresolved")
	require.Nil(t, ghost.UserCountry)
	require.Equal(t, "v404", *ghost.VideoID)

	resolved := facts[2]
	require.False(t, resolved.UnresolvedUser || resolved.UnresolvedVideo || resolved.UnresolvedDevice)
	require.Equal(t, "US", *resolved.UserCountry)
	require.Equal(t, "drama", *resolved.VideoCategory)
	require.Equal(t, "iOS 16", *resolved.DevicePlatform)

	require.Equal(t, JoinStats{Rows: 3, UnresolvedUser: 1, UnresolvedVideo: 1, AbsentVideo: 1, AbsentDevice: 2}, stats)
	require.Equal(t, 2, stats.Unresolved())
}

func TestJoinFactsEveryKeyResolvedOrFlagged(t *testing.T) {
	dims := testDims()
	users := []string{"u1", "u2", "u3"}
	videos := []string{"", "v1", "v2"}
	var events []tables.StagedEvent
	for i := 0; i < 30; i++ {
		opts := []eventOpt{}
		if v := videos[i%3]; v != "" {
			opts = append(opts, withVideo(v))
		}
		events = append(events, event(string(rune('a'+i)), users[i%3], day0.Add(time.Duration(i)*time.Minute), opts...))
	}
	facts, _ := JoinFacts(events, dims)
	for _, f := range facts {
		if f.VideoID != nil {
			_, ok := dims.Video(keys.FromPtr(f.VideoID))
			require.Equal(t, !ok, f.UnresolvedVideo, "event %s", f.EventID)
		} else {
			require.False(t, f.UnresolvedVideo)
		}
		_, ok := dims.User(keys.FromPtr(f.UserID))
		require.Equal(t, !ok, f.UnresolvedUser)
	}
}

func TestSessionRanking(t *testing.T) {
	t1, t2, t3 := day0, day0.Add(3*time.Hour), day0.Add(30*time.Hour)
	events := []tables.StagedEvent{
		event("c", "u1", t3, withSession("s_c")),
		event("a1", "u1", t1, withSession("s_a")),
		event("b", "u1", t2, withSession("s_b")),
		event("a2", "u1", t1.Add(time.Minute), withSession("s_a")),
		event("x", "u1", t1),
	}
	facts, _ := JoinFacts(events, testDims())
	idx := NewSessionIndex(DeriveSessions(facts))

	first, ok := idx.First("u1")
	require.True(t, ok)
	require.Equal(t, "s_a", first.SessionID)
	require.Equal(t, int64(2), first.Events)
	require.Equal(t, t1.Add(time.Minute), first.End)

	second, ok := idx.Nth("u1", 2)
	require.True(t, ok)
	require.Equal(t, "s_b", second.SessionID)

	third, _ := idx.Nth("u1", 3)
	require.Equal(t, 3, third.Rank)
	_, ok = idx.Nth("u1", 4)
	require.False(t, ok)
}

func TestFirstSessionWatchThreshold(t *testing.T) {
	events := []tables.StagedEvent{
		event("1", "u1", day0, withSession("s1"), withWatch(10)),
		event("2", "u1", day0.Add(time.Minute), withSession("s1"), withWatch(15)),
		event("3", "u1", day0.Add(2*time.Minute), withSession("s1"), withWatch(6)),
		event("4", "u1", day0.Add(3*time.Minute), withSession("s1")),
		event("5", "u2", day0, withSession("s2"), withWatch(29)),
		event("6", "u2", day0.Add(time.Hour), withSession("s3"), withWatch(100)),
	}
	facts, _ := JoinFacts(events, testDims())
	idx := NewSessionIndex(DeriveSessions(facts))

	require.True(t, idx.FirstSessionReached("u1", 30))
	first, _ := idx.First("u1")
	require.Equal(t, int64(31000), first.WatchTimeMs)
	require.Equal(t, int64(3), first.WatchTimeEvents, "null watch time is not a reported zero")
	require.Equal(t, int64(4), first.Events)

	require.False(t, idx.FirstSessionReached("u2", 30), "only the first session counts")
	require.False(t, idx.FirstSessionReached("nobody", 0))
}

func TestRetentionWindow(t *testing.T) {
	build := func(secondDay int) *SessionIndex {
		events := []tables.StagedEvent{
			event("1", "u1", day0, withSession("s1")),
			event("2", "u1", day0.AddDate(0, 0, secondDay), withSession("s2")),
		}
		facts, _ := JoinFacts(events, testDims())
		return NewSessionIndex(DeriveSessions(facts))
	}
	require.True(t, build(2).RetainedWithin("u1", 2, 3))
	require.False(t, build(5).RetainedWithin("u1", 2, 3))
	require.True(t, build(3).RetainedWithin("u1", 2, 3), "exactly D days is within the window")
	require.False(t, build(2).RetainedWithin("u1", 3, 30), "no third session")
}

func TestDailyVideoEngagement(t *testing.T) {
	events := []tables.StagedEvent{
		event("1", "u1", day0, withVideo("v1"), withSession("s1"), withWatch(10)),
		event("2", "u1", day0.Add(time.Minute), withVideo("v1"), withSession("s1"), withWatch(5)),
		event("3", "u2", day0.Add(time.Hour), withVideo("v1"), withSession("s2")),
		event("4", "u2", day0.Add(2*time.Hour), withVideo("v1")),
		event("5", "u2", day0.Add(25*time.Hour), withVideo("v1"), withWatch(0)),
		event("6", "u1", day0, withSession("s1")),
	}
	facts, _ := JoinFacts(events, testDims())
	rows := DailyVideoEngagement(facts)

	require.Equal(t, []tables.DailyVideoEngagementRow{
		{Dt: "2024-03-01", VideoID: "v1", Plays: 3, WatchTimeSec: 15, UniqueViewers: 2, Events: 4, WatchTimeEvents: 2},
		{Dt: "2024-03-02", VideoID: "v1", Plays: 1, WatchTimeSec: 0, UniqueViewers: 1, Events: 1, WatchTimeEvents: 1},
	}, rows)
}

func TestRetentionCohorts(t *testing.T) {
	events := []tables.StagedEvent{
		event("1", "u1", day0, withSession("s1")),
		event("2", "u1", day0.AddDate(0, 0, 2), withSession("s2")),
		event("3", "u2", day0.Add(time.Hour), withSession("s3")),
		event("4", "u3", day0.AddDate(0, 0, 1), withSession("s4")),
		event("5", "u3", day0.AddDate(0, 0, 2)),
	}
	facts, _ := JoinFacts(events, testDims())
	idx := NewSessionIndex(DeriveSessions(facts))

	require.Equal(t, []tables.UserRetentionCohortRow{
		{CohortDt: "2024-03-01", Dt: "2024-03-01", DayOffset: 0, RetainedUsers: 2, CohortUsers: 2},
		{CohortDt: "2024-03-01", Dt: "2024-03-03", DayOffset: 2, RetainedUsers: 1, CohortUsers: 2},
		{CohortDt: "2024-03-02", Dt: "2024-03-02", DayOffset: 0, RetainedUsers: 1, CohortUsers: 1},
		{CohortDt: "2024-03-02", Dt: "2024-03-03", DayOffset: 1, RetainedUsers: 1, CohortUsers: 1},
	}, RetentionCohorts(facts, idx))
}

func TestCurateBuildsEveryTable(t *testing.T) {
	events := []tables.StagedEvent{
		event("1", "u1", day0, withVideo("v1"), withSession("s1"), withWatch(20)),
		event("2", "u1", day0.Add(time.Minute), withVideo("v1"), withSession("s1"), withWatch(20)),
		event("3", "u2", day0, withVideo("v1"), withSession("s2"), withWatch(5)),
	}
	res := Curate(events, testDims(), Options{})

	require.Len(t, res.Facts, 3)
	require.Len(t, res.Users, 2)
	require.Len(t, res.Videos, 1)
	require.Len(t, res.Devices, 1)
	require.Len(t, res.Engagement, 1)
	require.Len(t, res.Sessions, 2)
	require.True(t, res.Sessions[0].ReachedWatchThreshold)
	require.False(t, res.Sessions[1].ReachedWatchThreshold)
	require.Equal(t, "2024-03-01", res.Sessions[0].CohortDt)
	require.NotEmpty(t, res.Cohorts)
}

func TestSessionRankProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("ranks are 1..n in start order per user", prop.ForAll(
		func(offsets []int) bool {
			var events []tables.StagedEvent
			for i, off := range offsets {
				user := []string{"u1", "u2"}[i%2]
				session := "s" + string(rune('a'+off%7))
				events = append(events, event(string(rune('A'+i)), user, day0.Add(time.Duration(off)*time.Minute), withSession(session)))
			}
			facts, _ := JoinFacts(events, testDims())
			sessions := DeriveSessions(facts)
			idx := NewSessionIndex(sessions)
			for _, u := range idx.Users() {
				ss := idx.Sessions(u)
				for i, s := range ss {
					if s.Rank != i+1 {
						return false
					}
					if i > 0 && s.Start.Before(ss[i-1].Start) {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 500)),
	))

	properties.TestingRun(t)
}
