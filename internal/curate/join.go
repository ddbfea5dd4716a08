// Package curate joins staged events to the dimension snapshot and derives
// sessions, retention cohorts, and engagement marts from the joined facts.
package curate

import (
	"sort"

	"github.com/withObsrvr/obsrvr-curator/internal/keys"
	"github.com/withObsrvr/obsrvr-curator/internal/tables"
)

// Dimensions resolves canonical keys to dimension rows.
type Dimensions interface {
	User(keys.Key) (tables.DimUser, bool)
	Video(keys.Key) (tables.DimVideo, bool)
	Device(keys.Key) (tables.DimDevice, bool)
}

// JoinStats counts join outcomes. A non-null key without a dimension row is
// unresolved; a null key is absent. Neither drops the row.
type JoinStats struct {
	Rows             int `json:"rows"`
	UnresolvedUser   int `json:"unresolved_user"`
	UnresolvedVideo  int `json:"unresolved_video"`
	UnresolvedDevice int `json:"unresolved_device"`
	AbsentVideo      int `json:"absent_video"`
	AbsentDevice     int `json:"absent_device"`
	// WatchTimeEvents counts rows that reported watch time.
	WatchTimeEvents int `json:"watch_time_events"`
}

// Unresolved is the total number of unresolved foreign keys.
func (s JoinStats) Unresolved() int {
	return s.UnresolvedUser + s.UnresolvedVideo + s.UnresolvedDevice
}

// Merge adds o into s.
func (s *JoinStats) Merge(o JoinStats) {
	s.Rows += o.Rows
	s.UnresolvedUser += o.UnresolvedUser
	s.UnresolvedVideo += o.UnresolvedVideo
	s.UnresolvedDevice += o.UnresolvedDevice
	s.AbsentVideo += o.AbsentVideo
	s.AbsentDevice += o.AbsentDevice
	s.WatchTimeEvents += o.WatchTimeEvents
}

// JoinFacts left-joins events to each dimension. Every event yields exactly
// one fact row. Rows are ordered by (dt, event_time, event_id).
func JoinFacts(events []tables.StagedEvent, dims Dimensions) ([]tables.FactVideoEvent, JoinStats) {
	stats := JoinStats{Rows: len(events)}
	facts := make([]tables.FactVideoEvent, len(events))

	for i, e := range events {
		f := tables.FactVideoEvent{
			EventID:            e.EventID,
			EventTime:          e.EventTime.UTC(),
			UserID:             e.UserID.Ptr(),
			VideoID:            e.VideoID.Ptr(),
			DeviceID:           e.DeviceID.Ptr(),
			EventType:          e.EventType,
			SessionID:          e.SessionID.Ptr(),
			Dt:                 e.Dt,
			EventIDSynthesized: e.Synthesized,
			IngestedAt:         e.IngestedAt.UTC(),
			BatchID:            e.BatchID,
			SourceFile:         e.SourceFile,
			SourceLine:         e.SourceLine,
			Attributes:         e.Attributes,
		}
		if e.WatchTimeMs != nil {
			sec := tables.WatchSeconds(*e.WatchTimeMs)
			f.WatchTimeSec = &sec
			stats.WatchTimeEvents++
		}

		if e.UserID.Valid {
			if u, ok := dims.User(e.UserID); ok {
				f.UserCountry = u.Country
				f.UserSignupDate = u.SignupDate
				f.UserSubscriptionTier = u.SubscriptionTier
			} else {
				f.UnresolvedUser = true
				stats.UnresolvedUser++
			}
		}

		switch {
		case !e.VideoID.Valid:
			stats.AbsentVideo++
		default:
			if v, ok := dims.Video(e.VideoID); ok {
				f.VideoTitle = v.Title
				f.VideoCategory = v.Category
				f.VideoCreatorID = v.CreatorID
			} else {
				f.UnresolvedVideo = true
				stats.UnresolvedVideo++
			}
		}

		switch {
		case !e.DeviceID.Valid:
			stats.AbsentDevice++
		default:
			if d, ok := dims.Device(e.DeviceID); ok {
				f.DevicePlatform = d.Platform
				f.DeviceAppVersion = d.AppVersion
			} else {
				f.UnresolvedDevice = true
				stats.UnresolvedDevice++
			}
		}
		facts[i] = f
	}

	SortFacts(facts)
	return facts, stats
}

// SortFacts orders facts by (dt, event_time, event_id) in place.
func SortFacts(facts []tables.FactVideoEvent) {
	sort.SliceStable(facts, func(i, j int) bool { return FactLess(facts[i], facts[j]) })
}

// FactLess is the published fact row order.
func FactLess(a, b tables.FactVideoEvent) bool {
	if a.Dt != b.Dt {
		return a.Dt < b.Dt
	}
	if !a.EventTime.Equal(b.EventTime) {
		return a.EventTime.Before(b.EventTime)
	}
	return a.EventID < b.EventID
}
