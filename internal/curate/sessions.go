package curate

import (
	"math"
	"sort"
	"time"

	"github.com/withObsrvr/obsrvr-curator/internal/tables"
)

// Session groups one user's events sharing a session_id.
type Session struct {
	UserID    string
	SessionID string
	// Rank is the 1-based chronological position among the user's sessions.
	Rank            int
	Start           time.Time
	End             time.Time
	Events          int64
	WatchTimeMs     int64
	WatchTimeEvents int64
}

// WatchTimeSec is the exact session watch time in seconds.
func (s Session) WatchTimeSec() float64 { return tables.WatchSeconds(s.WatchTimeMs) }

type sessionKey struct{ user, session string }

// DeriveSessions groups facts by (user_id, session_id). Events without a
// session_id belong to no session. Sessions of a user are ranked by
// (start, session_id). The result is ordered by (user_id, rank).
func DeriveSessions(facts []tables.FactVideoEvent) []Session {
	byKey := make(map[sessionKey]*Session)
	for _, f := range facts {
		if f.UserID == nil || f.SessionID == nil {
			continue
		}
		k := sessionKey{*f.UserID, *f.SessionID}
		s, ok := byKey[k]
		if !ok {
			s = &Session{UserID: k.user, SessionID: k.session, Start: f.EventTime, End: f.EventTime}
			byKey[k] = s
		}
		if f.EventTime.Before(s.Start) {
			s.Start = f.EventTime
		}
		if f.EventTime.After(s.End) {
			s.End = f.EventTime
		}
		s.Events++
		if f.WatchTimeSec != nil {
			s.WatchTimeMs += int64(math.Round(*f.WatchTimeSec * 1000))
			s.WatchTimeEvents++
		}
	}

	out := make([]Session, 0, len(byKey))
	for _, s := range byKey {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		return a.SessionID < b.SessionID
	})
	for i := range out {
		if i > 0 && out[i-1].UserID == out[i].UserID {
			out[i].Rank = out[i-1].Rank + 1
		} else {
			out[i].Rank = 1
		}
	}
	return out
}

// SessionIndex answers per-user session questions over ranked sessions.
type SessionIndex struct {
	byUser map[string][]Session
	users  []string
}

// NewSessionIndex indexes sessions as returned by DeriveSessions.
func NewSessionIndex(sessions []Session) *SessionIndex {
	idx := &SessionIndex{byUser: make(map[string][]Session)}
	for _, s := range sessions {
		if _, ok := idx.byUser[s.UserID]; !ok {
			idx.users = append(idx.users, s.UserID)
		}
		idx.byUser[s.UserID] = append(idx.byUser[s.UserID], s)
	}
	sort.Strings(idx.users)
	for _, ss := range idx.byUser {
		sort.Slice(ss, func(i, j int) bool { return ss[i].Rank < ss[j].Rank })
	}
	return idx
}

// Users returns every user with at least one session, sorted.
func (idx *SessionIndex) Users() []string { return append([]string(nil), idx.users...) }

// Sessions returns a user's sessions in rank order.
func (idx *SessionIndex) Sessions(user string) []Session {
	return append([]Session(nil), idx.byUser[user]...)
}

// Nth returns the user's session of rank n.
func (idx *SessionIndex) Nth(user string, n int) (Session, bool) {
	ss := idx.byUser[user]
	if n < 1 || n > len(ss) {
		return Session{}, false
	}
	return ss[n-1], true
}

// First returns the user's first session.
func (idx *SessionIndex) First(user string) (Session, bool) { return idx.Nth(user, 1) }

// FirstSessionReached reports whether the summed watch time of the user's
// first session is at least thresholdSec. Null watch times contribute zero.
func (idx *SessionIndex) FirstSessionReached(user string, thresholdSec float64) bool {
	first, ok := idx.First(user)
	if !ok {
		return false
	}
	return float64(first.WatchTimeMs) >= thresholdSec*1000
}

// RetainedWithin reports whether the user has a session of rank n starting
// no later than days days after the first session's start.
func (idx *SessionIndex) RetainedWithin(user string, n, days int) bool {
	first, ok := idx.First(user)
	if !ok {
		return false
	}
	nth, ok := idx.Nth(user, n)
	if !ok {
		return false
	}
	return nth.Start.Sub(first.Start) <= time.Duration(days)*24*time.Hour
}

// CohortDate is the date of the user's first session start.
func (idx *SessionIndex) CohortDate(user string) (string, bool) {
	first, ok := idx.First(user)
	if !ok {
		return "", false
	}
	return tables.PartitionDate(first.Start), true
}
