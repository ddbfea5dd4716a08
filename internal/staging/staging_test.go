package staging

import (
	"testing"
	"time"

	"github.com/withObsrvr/obsrvr-curator/internal/keys"
	"github.com/withObsrvr/obsrvr-curator/internal/landing"
	"github.com/withObsrvr/obsrvr-curator/internal/quarantine"
	"github.com/withObsrvr/obsrvr-curator/internal/schema"
)

func newStager(t *testing.T, c keys.Canonical) *Stager {
	t.Helper()
	s, err := New(schema.EventSchema(), keys.NewAligner(c), "b_test")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

func record(line int, payload string) landing.Record {
	return landing.Record{
		Source:     "events/a.jsonl",
		Line:       line,
		Seq:        landing.Seq(0, line),
		Payload:    []byte(payload),
		IngestedAt: time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
	}
}

func TestStageTypedEvent(t *testing.T) {
	s := newStager(t, keys.CanonicalString)
	ev, err := s.Stage(record(1, `{"event_id":"e1","event_time":"2024-03-01T23:59:59-02:00","event_type":"watch_time","user_id":" u1 ","video_id":42,"session_id":"s1","watch_time_sec":"12.3456","extra":{"a":1}}`))
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if ev.EventID != "e1" || ev.Synthesized {
		t.Errorf("event id = %s synthesized=%v", ev.EventID, ev.Synthesized)
	}
	if ev.Dt != "2024-03-02" {
		t.Errorf("dt = %s, want UTC date 2024-03-02", ev.Dt)
	}
	if ev.UserID != keys.Of("u1") || ev.VideoID != keys.Of("42") || ev.DeviceID.Valid {
		t.Errorf("keys = %v %v %v", ev.UserID, ev.VideoID, ev.DeviceID)
	}
	if ev.WatchTimeMs == nil || *ev.WatchTimeMs != 12346 {
		t.Errorf("watch ms = %v", ev.WatchTimeMs)
	}
	if ev.BatchID != "b_test" || ev.SourceLine != 1 {
		t.Errorf("lineage = %s line %d", ev.BatchID, ev.SourceLine)
	}
	if ev.Attributes == nil || *ev.Attributes != `{"extra.a":1}` {
		t.Errorf("attributes = %v", ev.Attributes)
	}
}

func TestStageSynthesizesStableID(t *testing.T) {
	s := newStager(t, keys.CanonicalString)
	payload := `{"timestamp":"2024-03-01 10:00:00","event_name":"like","user_id":"u1","session_id":"s_u1_1"}`
	a, err := s.Stage(record(1, payload))
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	b, _ := s.Stage(record(9, payload))
	if !a.Synthesized || a.EventID != b.EventID {
		t.Errorf("synthesized ids differ: %s %s", a.EventID, b.EventID)
	}
	if a.WatchTimeMs != nil {
		t.Error("absent watch time must stay nil")
	}
}

func TestStageRejections(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		reason  schema.ReasonCode
	}{
		{"missing event_time", `{"event_type":"like","user_id":"u1"}`, schema.ReasonMissingRequiredField},
		{"bad timestamp", `{"event_time":"yesterday","event_type":"like","user_id":"u1"}`, schema.ReasonMalformedTimestamp},
		{"null user token", `{"event_time":"2024-03-01","event_type":"like","user_id":"None"}`, schema.ReasonMissingRequiredField},
		{"negative watch", `{"event_time":"2024-03-01","event_type":"watch_time","user_id":"u1","value":-1}`, schema.ReasonOutOfRange},
		{"not json", `{"event_time":`, schema.ReasonMalformedPayload},
	}
	s := newStager(t, keys.CanonicalString)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Stage(record(1, tc.payload))
			if err == nil {
				t.Fatal("expected rejection")
			}
			if got, _, _ := quarantine.Classify(err); got != tc.reason {
				t.Errorf("reason = %s, want %s", got, tc.reason)
			}
		})
	}
}

func TestStageKeyConflictUnderInt64(t *testing.T) {
	s := newStager(t, keys.CanonicalInt64)
	_, err := s.Stage(record(7, `{"event_time":"2024-03-01","event_type":"like","user_id":"u1"}`))
	reason, field, _ := quarantine.Classify(err)
	if reason != schema.ReasonKeyTypeConflict || field != "user_id" {
		t.Fatalf("Classify = %s %s (%v)", reason, field, err)
	}
}

func TestStageFileQuarantinesAndCounts(t *testing.T) {
	s := newStager(t, keys.CanonicalString)
	sink := quarantine.NewSink("b_test")
	f := &landing.EventFile{Records: []landing.Record{
		record(1, `{"event_time":"2024-03-01","event_type":"like","user_id":"u1"}`),
		record(2, `{"event_type":"like","user_id":"u1"}`),
		record(3, `[1,2]`),
	}}
	events, stats := s.StageFile(f, sink)
	if len(events) != 1 || stats.Accepted != 1 || stats.Rejected != 2 {
		t.Fatalf("events=%d stats=%+v", len(events), stats)
	}
	if sink.Len() != 2 {
		t.Errorf("sink has %d records, want 2", sink.Len())
	}
	recs := sink.Records()
	if recs[0].ReasonCode != string(schema.ReasonMissingRequiredField) || recs[0].SourceLine != 2 {
		t.Errorf("first quarantined = %+v", recs[0])
	}
}

func TestStageTruncatesToPublishedPrecision(t *testing.T) {
	s := newStager(t, keys.CanonicalString)
	rec := record(1, `{"event_id":"e1","event_time":"2024-03-01T10:00:00.123456789Z","event_type":"like","user_id":"u1"}`)
	rec.IngestedAt = time.Date(2024, 3, 2, 0, 0, 0, 999, time.UTC)

	ev, err := s.Stage(rec)
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if want := time.Date(2024, 3, 1, 10, 0, 0, 123456000, time.UTC); !ev.EventTime.Equal(want) {
		t.Errorf("event time = %v, want %v", ev.EventTime, want)
	}
	if ev.IngestedAt.Nanosecond() != 0 {
		t.Errorf("ingested at = %v, want whole microseconds", ev.IngestedAt)
	}
}
