package tables

import (
	"math"
	"time"

	"github.com/withObsrvr/obsrvr-curator/internal/keys"
)

// SchemaVersion of the published tables. Increment on breaking column
// changes.
const SchemaVersion = "1.0.0"

// Published table names.
const (
	FactVideoEvents      = "fact_video_events"
	DimUsers             = "dim_users"
	DimVideos            = "dim_videos"
	DimDevices           = "dim_devices"
	DailyVideoEngagement = "daily_video_engagement"
	UserRetentionCohorts = "user_retention_cohorts"
	UserSessions         = "user_sessions"
	Quarantine           = "quarantine"
	LandingArchive       = "landing_archive"
)

// DateLayout is the partition date format.
const DateLayout = "2006-01-02"

// PartitionDate derives the dt partition value from an event time.
func PartitionDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// TimePrecision is the resolution of every published timestamp column.
const TimePrecision = time.Microsecond

// Normalize converts t to UTC at the published timestamp precision, so rows
// sort the same before and after a parquet round trip.
func Normalize(t time.Time) time.Time {
	return t.UTC().Truncate(TimePrecision)
}

// StagedEvent is a validated, typed, key-aligned event before joining.
type StagedEvent struct {
	EventID     string
	Synthesized bool
	EventTime   time.Time
	EventType   string
	UserID      keys.Key
	VideoID     keys.Key
	DeviceID    keys.Key
	SessionID   keys.Key
	// WatchTimeMs is exact integer milliseconds; nil when not reported.
	WatchTimeMs *int64
	Dt          string
	IngestedAt  time.Time
	BatchID     string
	SourceFile  string
	SourceLine  int64
	// Attributes is a JSON object of the source fields outside the event
	// schema; nil when there are none.
	Attributes  *string
	// Seq orders records across landing files: file index, then line.
	Seq int64
}

// FactVideoEvent is one row of fact_video_events.
type FactVideoEvent struct {
	EventID      string    `parquet:"event_id"`
	EventTime    time.Time `parquet:"event_time,timestamp(microsecond)"`
	UserID       *string   `parquet:"user_id,optional"`
	VideoID      *string   `parquet:"video_id,optional"`
	DeviceID     *string   `parquet:"device_id,optional"`
	EventType    string    `parquet:"event_type"`
	SessionID    *string   `parquet:"session_id,optional"`
	WatchTimeSec *float64  `parquet:"watch_time_sec,optional"`
	Dt           string    `parquet:"dt"`

	UserCountry          *string `parquet:"user_country,optional"`
	UserSignupDate       *string `parquet:"user_signup_date,optional"`
	UserSubscriptionTier *string `parquet:"user_subscription_tier,optional"`
	VideoTitle           *string `parquet:"video_title,optional"`
	VideoCategory        *string `parquet:"video_category,optional"`
	VideoCreatorID       *string `parquet:"video_creator_id,optional"`
	DevicePlatform       *string `parquet:"device_platform,optional"`
	DeviceAppVersion     *string `parquet:"device_app_version,optional"`

	UnresolvedUser   bool `parquet:"unresolved_user"`
	UnresolvedVideo  bool `parquet:"unresolved_video"`
	UnresolvedDevice bool `parquet:"unresolved_device"`

	EventIDSynthesized bool      `parquet:"event_id_synthesized"`
	IngestedAt         time.Time `parquet:"ingested_at,timestamp(microsecond)"`
	BatchID            string    `parquet:"batch_id"`
	SourceFile         string    `parquet:"source_file"`
	SourceLine         int64     `parquet:"source_line"`
	Attributes         *string   `parquet:"attributes,optional"`
}

// Staged converts a committed fact row back into staging form so it can be
// deduplicated against new input.
func (f FactVideoEvent) Staged() StagedEvent {
	e := StagedEvent{
		EventID:     f.EventID,
		Synthesized: f.EventIDSynthesized,
		EventTime:   f.EventTime.UTC(),
		EventType:   f.EventType,
		UserID:      keys.FromPtr(f.UserID),
		VideoID:     keys.FromPtr(f.VideoID),
		DeviceID:    keys.FromPtr(f.DeviceID),
		SessionID:   keys.FromPtr(f.SessionID),
		Dt:          f.Dt,
		IngestedAt:  f.IngestedAt.UTC(),
		BatchID:     f.BatchID,
		SourceFile:  f.SourceFile,
		SourceLine:  f.SourceLine,
		Attributes:  f.Attributes,
	}
	if f.WatchTimeSec != nil {
		ms := int64(math.Round(*f.WatchTimeSec * 1000))
		e.WatchTimeMs = &ms
	}
	return e
}

// WatchSeconds converts exact milliseconds to the published seconds value.
func WatchSeconds(ms int64) float64 {
	return float64(ms) / 1000
}

// DimUser is one row of dim_users.
type DimUser struct {
	UserID           string  `parquet:"user_id"`
	SignupDate       *string `parquet:"signup_date,optional"`
	Country          *string `parquet:"country,optional"`
	SubscriptionTier *string `parquet:"subscription_tier,optional"`
	AgeGroup         *string `parquet:"age_group,optional"`
	Gender           *string `parquet:"gender,optional"`
	SourceFile       string  `parquet:"source_file"`
}

// DimVideo is one row of dim_videos.
type DimVideo struct {
	VideoID         string  `parquet:"video_id"`
	Title           *string `parquet:"title,optional"`
	Category        *string `parquet:"category,optional"`
	CreatorID       *string `parquet:"creator_id,optional"`
	DurationSeconds *int64  `parquet:"duration_seconds,optional"`
	SourceFile      string  `parquet:"source_file"`
}

// DimDevice is one row of dim_devices.
type DimDevice struct {
	DeviceID    string  `parquet:"device_id"`
	Platform    *string `parquet:"platform,optional"`
	AppVersion  *string `parquet:"app_version,optional"`
	DeviceModel *string `parquet:"device_model,optional"`
	SourceFile  string  `parquet:"source_file"`
}

// DailyVideoEngagementRow is one row of daily_video_engagement.
type DailyVideoEngagementRow struct {
	Dt            string  `parquet:"dt"`
	VideoID       string  `parquet:"video_id"`
	Plays         int64   `parquet:"plays"`
	WatchTimeSec  float64 `parquet:"watch_time_sec"`
	UniqueViewers int64   `parquet:"unique_viewers"`
	Events        int64   `parquet:"events"`
	// WatchTimeEvents counts events that reported watch time, so a zero sum
	// over reported values is distinguishable from no reports at all.
	WatchTimeEvents int64 `parquet:"watch_time_events"`
}

// UserRetentionCohortRow is one row of user_retention_cohorts.
type UserRetentionCohortRow struct {
	CohortDt      string `parquet:"cohort_dt"`
	Dt            string `parquet:"dt"`
	DayOffset     int32  `parquet:"day_offset"`
	RetainedUsers int64  `parquet:"retained_users"`
	CohortUsers   int64  `parquet:"cohort_users"`
}

// UserSessionRow is one row of user_sessions.
type UserSessionRow struct {
	UserID                string    `parquet:"user_id"`
	SessionID             string    `parquet:"session_id"`
	SessionRank           int32     `parquet:"session_rank"`
	SessionStart          time.Time `parquet:"session_start,timestamp(microsecond)"`
	SessionEnd            time.Time `parquet:"session_end,timestamp(microsecond)"`
	StartDt               string    `parquet:"start_dt"`
	CohortDt              string    `parquet:"cohort_dt"`
	HoursSinceFirst       float64   `parquet:"hours_since_first"`
	Events                int64     `parquet:"events"`
	WatchTimeSec          float64   `parquet:"watch_time_sec"`
	WatchTimeEvents       int64     `parquet:"watch_time_events"`
	ReachedWatchThreshold bool      `parquet:"reached_watch_threshold"`
}

// QuarantineRecord is one rejected raw record.
type QuarantineRecord struct {
	RecordID        string `parquet:"record_id"`
	BatchID         string `parquet:"batch_id"`
	Channel         string `parquet:"channel"`
	SourceFile      string `parquet:"source_file"`
	SourceLine      int64  `parquet:"source_line"`
	ReasonCode      string `parquet:"reason_code"`
	Field           string `parquet:"field"`
	Detail          string `parquet:"detail"`
	OriginalPayload string `parquet:"original_payload"`
}
