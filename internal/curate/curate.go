package curate

import (
	"github.com/withObsrvr/obsrvr-curator/internal/dimensions"
	"github.com/withObsrvr/obsrvr-curator/internal/tables"
)

// DefaultWatchThresholdSec is the first-session watch time goal.
const DefaultWatchThresholdSec = 30

// Options tune mart derivation.
type Options struct {
	WatchThresholdSec float64
}

// Result is the full curated model for one set of events.
type Result struct {
	Facts      []tables.FactVideoEvent
	Users      []tables.DimUser
	Videos     []tables.DimVideo
	Devices    []tables.DimDevice
	Engagement []tables.DailyVideoEngagementRow
	Sessions   []tables.UserSessionRow
	Cohorts    []tables.UserRetentionCohortRow
	Index      *SessionIndex
	Stats      JoinStats
}

// Curate joins events to dims and derives every mart. Inputs are not
// modified.
func Curate(events []tables.StagedEvent, dims *dimensions.Snapshot, opts Options) *Result {
	if opts.WatchThresholdSec <= 0 {
		opts.WatchThresholdSec = DefaultWatchThresholdSec
	}
	facts, stats := JoinFacts(events, dims)
	idx := NewSessionIndex(DeriveSessions(facts))
	return &Result{
		Facts:      facts,
		Users:      dims.Users(),
		Videos:     dims.Videos(),
		Devices:    dims.Devices(),
		Engagement: DailyVideoEngagement(facts),
		Sessions:   UserSessions(idx, opts.WatchThresholdSec),
		Cohorts:    RetentionCohorts(facts, idx),
		Index:      idx,
		Stats:      stats,
	}
}
