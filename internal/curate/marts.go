package curate

import (
	"math"
	"sort"
	"time"

	"github.com/withObsrvr/obsrvr-curator/internal/tables"
)

// DailyVideoEngagement aggregates facts per (dt, video_id). Facts without a
// video_id are not attributed to any video. A play is a distinct
// (user_id, session_id); an event without a session counts as its own play.
func DailyVideoEngagement(facts []tables.FactVideoEvent) []tables.DailyVideoEngagementRow {
	type key struct{ dt, video string }
	type acc struct {
		plays   map[string]struct{}
		viewers map[string]struct{}
		events  int64
		watchMs int64
		watchN  int64
	}
	groups := make(map[key]*acc)
	for _, f := range facts {
		if f.VideoID == nil {
			continue
		}
		k := key{f.Dt, *f.VideoID}
		a, ok := groups[k]
		if !ok {
			a = &acc{plays: make(map[string]struct{}), viewers: make(map[string]struct{})}
			groups[k] = a
		}
		user := ""
		if f.UserID != nil {
			user = *f.UserID
			a.viewers[user] = struct{}{}
		}
		if f.SessionID != nil {
			a.plays[user+"\x1f"+*f.SessionID] = struct{}{}
		} else {
			a.plays["\x00"+f.EventID] = struct{}{}
		}
		a.events++
		if f.WatchTimeSec != nil {
			a.watchMs += int64(math.Round(*f.WatchTimeSec * 1000))
			a.watchN++
		}
	}

	out := make([]tables.DailyVideoEngagementRow, 0, len(groups))
	for k, a := range groups {
		out = append(out, tables.DailyVideoEngagementRow{
			Dt:              k.dt,
			VideoID:         k.video,
			Plays:           int64(len(a.plays)),
			WatchTimeSec:    tables.WatchSeconds(a.watchMs),
			UniqueViewers:   int64(len(a.viewers)),
			Events:          a.events,
			WatchTimeEvents: a.watchN,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Dt != out[j].Dt {
			return out[i].Dt < out[j].Dt
		}
		return out[i].VideoID < out[j].VideoID
	})
	return out
}

// RetentionCohorts groups users by the date of their first session. For each
// cohort and each later date on which any cohort member has a fact row, it
// counts the retained users. Day 0 is always present and equals the cohort
// size. Rows are ordered by (cohort_dt, dt).
func RetentionCohorts(facts []tables.FactVideoEvent, idx *SessionIndex) []tables.UserRetentionCohortRow {
	cohortOf := make(map[string]string)
	cohortSize := make(map[string]int64)
	for _, u := range idx.Users() {
		c, _ := idx.CohortDate(u)
		cohortOf[u] = c
		cohortSize[c]++
	}

	type key struct{ cohort, dt string }
	active := make(map[key]map[string]struct{})
	mark := func(k key, user string) {
		set, ok := active[k]
		if !ok {
			set = make(map[string]struct{})
			active[k] = set
		}
		set[user] = struct{}{}
	}
	for u, c := range cohortOf {
		mark(key{c, c}, u)
	}
	for _, f := range facts {
		if f.UserID == nil {
			continue
		}
		c, ok := cohortOf[*f.UserID]
		if !ok || f.Dt < c {
			continue
		}
		mark(key{c, f.Dt}, *f.UserID)
	}

	out := make([]tables.UserRetentionCohortRow, 0, len(active))
	for k, users := range active {
		out = append(out, tables.UserRetentionCohortRow{
			CohortDt:      k.cohort,
			Dt:            k.dt,
			DayOffset:     dayOffset(k.cohort, k.dt),
			RetainedUsers: int64(len(users)),
			CohortUsers:   cohortSize[k.cohort],
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CohortDt != out[j].CohortDt {
			return out[i].CohortDt < out[j].CohortDt
		}
		return out[i].Dt < out[j].Dt
	})
	return out
}

func dayOffset(from, to string) int32 {
	a, err1 := time.Parse(tables.DateLayout, from)
	b, err2 := time.Parse(tables.DateLayout, to)
	if err1 != nil || err2 != nil {
		return 0
	}
	return int32(b.Sub(a) / (24 * time.Hour))
}

// UserSessions renders the session index as user_sessions rows ordered by
// (user_id, session_rank). A session reached the threshold when its summed
// watch time is at least thresholdSec.
func UserSessions(idx *SessionIndex, thresholdSec float64) []tables.UserSessionRow {
	var out []tables.UserSessionRow
	for _, u := range idx.Users() {
		first, _ := idx.First(u)
		cohort := tables.PartitionDate(first.Start)
		for _, s := range idx.Sessions(u) {
			out = append(out, tables.UserSessionRow{
				UserID:                s.UserID,
				SessionID:             s.SessionID,
				SessionRank:           int32(s.Rank),
				SessionStart:          s.Start,
				SessionEnd:            s.End,
				StartDt:               tables.PartitionDate(s.Start),
				CohortDt:              cohort,
				HoursSinceFirst:       s.Start.Sub(first.Start).Hours(),
				Events:                s.Events,
				WatchTimeSec:          s.WatchTimeSec(),
				WatchTimeEvents:       s.WatchTimeEvents,
				ReachedWatchThreshold: float64(s.WatchTimeMs) >= thresholdSec*1000,
			})
		}
	}
	return out
}
