// Package staging turns raw landing records into typed, key-aligned staged
// events: validate, synthesize a missing identity, align keys, derive dt.
package staging

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/withObsrvr/obsrvr-curator/internal/dedup"
	"github.com/withObsrvr/obsrvr-curator/internal/keys"
	"github.com/withObsrvr/obsrvr-curator/internal/landing"
	"github.com/withObsrvr/obsrvr-curator/internal/quarantine"
	"github.com/withObsrvr/obsrvr-curator/internal/schema"
	"github.com/withObsrvr/obsrvr-curator/internal/tables"
)

// keyColumns are the event fields aligned to the canonical key domain.
var keyColumns = []string{"user_id", "video_id", "device_id", "session_id"}

// Stager stages event records. It is safe for concurrent use.
type Stager struct {
	validator *schema.Validator
	aligner   keys.Aligner
	batchID   string
}

// New returns a stager for the event schema.
func New(s schema.Schema, aligner keys.Aligner, batchID string) (*Stager, error) {
	v, err := schema.NewValidator(s)
	if err != nil {
		return nil, err
	}
	for _, name := range []string{"event_time", "event_type", "user_id"} {
		if f, ok := s.Field(name); !ok || !f.Required {
			return nil, errors.New("event schema must declare required " + name)
		}
	}
	return &Stager{validator: v, aligner: aligner, batchID: batchID}, nil
}

// Stage converts one record. Errors are a *schema.ValidationError or a
// *keys.KeyTypeConflictError; both mean the record belongs in quarantine.
func (s *Stager) Stage(rec landing.Record) (tables.StagedEvent, error) {
	typed, err := s.validator.ValidateJSON(rec.Payload)
	if err != nil {
		return tables.StagedEvent{}, err
	}

	aligned := make(map[string]keys.Key, len(keyColumns))
	for _, col := range keyColumns {
		k, err := s.aligner.Align(typed.Get(col))
		if err != nil {
			var kc *keys.KeyTypeConflictError
			if errors.As(err, &kc) {
				kc.Table, kc.Column, kc.Row = quarantine.ChannelEvents, col, rec.Line
			}
			return tables.StagedEvent{}, err
		}
		aligned[col] = k
	}
	if !aligned["user_id"].Valid {
		return tables.StagedEvent{}, &schema.ValidationError{
			Reason: schema.ReasonMissingRequiredField,
			Field:  "user_id",
			Detail: "null key token",
		}
	}

	eventTime := tables.Normalize(typed.Get("event_time").Time())
	eventType := typed.Get("event_type").Str()
	ev := tables.StagedEvent{
		EventTime:  eventTime,
		EventType:  eventType,
		UserID:     aligned["user_id"],
		VideoID:    aligned["video_id"],
		DeviceID:   aligned["device_id"],
		SessionID:  aligned["session_id"],
		Dt:         tables.PartitionDate(eventTime),
		IngestedAt: tables.Normalize(rec.IngestedAt),
		BatchID:    s.batchID,
		SourceFile: rec.Source,
		SourceLine: int64(rec.Line),
		Seq:        rec.Seq,
	}

	if id := typed.Get("event_id"); !id.IsNull() && id.Str() != "" {
		ev.EventID = id.Str()
	} else {
		ev.EventID = dedup.SyntheticEventID(ev.UserID.Value, eventTime, eventType, ev.SessionID.Value)
		ev.Synthesized = true
	}

	if sec, ok := typed.Get("watch_time_sec").Number(); ok {
		ms := int64(math.Round(sec * 1000))
		ev.WatchTimeMs = &ms
	}

	if len(typed.Extra) > 0 {
		// Map keys marshal sorted, so equal inputs give equal bytes.
		raw, err := json.Marshal(typed.Extra)
		if err != nil {
			return tables.StagedEvent{}, &schema.ValidationError{
				Reason: schema.ReasonMalformedPayload,
				Detail: fmt.Sprintf("attributes: %v", err),
			}
		}
		attrs := string(raw)
		ev.Attributes = &attrs
	}
	return ev, nil
}

// StageFile stages every record of an event file, sending rejects to sink.
func (s *Stager) StageFile(f *landing.EventFile, sink *quarantine.Sink) ([]tables.StagedEvent, schema.Stats) {
	var stats schema.Stats
	out := make([]tables.StagedEvent, 0, len(f.Records))
	for _, rec := range f.Records {
		ev, err := s.Stage(rec)
		if err != nil {
			stats.Reject(sink.Add(quarantine.ChannelEvents, rec.Source, rec.Line, rec.Payload, err))
			continue
		}
		stats.Observe(nil)
		out = append(out, ev)
	}
	return out, stats
}
