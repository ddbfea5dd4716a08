package schema

import (
	"errors"
	"testing"
	"time"
)

func mustValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator(EventSchema())
	if err != nil {
		t.Fatalf("NewValidator failed: %v", err)
	}
	return v
}

func TestValidateJSONAcceptsTypedEvent(t *testing.T) {
	v := mustValidator(t)

	rec, err := v.ValidateJSON([]byte(`{"event_id":"e1","event_time":"2024-03-01T10:00:00Z","event_type":"watch_time","user_id":"u_1","video_id":42,"watch_time_sec":"12.5","payload":{"ab":{"variant":"b"},"tags":["x","y"]}}`))
	if err != nil {
		t.Fatalf("ValidateJSON failed: %v", err)
	}

	if got := rec.Get("event_time").Time(); !got.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("event_time = %v", got)
	}
	if got := rec.Get("watch_time_sec"); got.Kind() != KindFloat || got.Float() != 12.5 {
		t.Errorf("watch_time_sec = %v (%s)", got.Float(), got.Kind())
	}
	if got := rec.Get("video_id"); got.Kind() != KindInt || got.Int() != 42 {
		t.Errorf("video_id = %v (%s)", got.Text(), got.Kind())
	}
	if !rec.Get("device_id").IsNull() {
		t.Errorf("device_id should be null")
	}
	if rec.Extra["payload.ab.variant"] != "b" || rec.Extra["payload.tags.1"] != "y" {
		t.Errorf("nested payload not flattened into extras: %v", rec.Extra)
	}
}

func TestValidateResolvesAliases(t *testing.T) {
	v := mustValidator(t)

	rec, err := v.ValidateJSON([]byte(`{"timestamp":"2024-01-05T08:15:30.123456","user_id":"u_00001","video_id":null,"session_id":"s_u_00001_0000","event_name":"watch_time","value":17,"device":"mobile","country":"DE"}`))
	if err != nil {
		t.Fatalf("ValidateJSON failed: %v", err)
	}
	want := time.Date(2024, 1, 5, 8, 15, 30, 123456000, time.UTC)
	if got := rec.Get("event_time").Time(); !got.Equal(want) {
		t.Errorf("event_time = %v, want %v", got, want)
	}
	if got := rec.Get("event_type").Str(); got != "watch_time" {
		t.Errorf("event_type = %q", got)
	}
	if got := rec.Get("device_id").Str(); got != "mobile" {
		t.Errorf("device_id = %q", got)
	}
	if got, _ := rec.Get("watch_time_sec").Number(); got != 17 {
		t.Errorf("watch_time_sec = %v", got)
	}
	if _, ok := rec.Extra["timestamp"]; ok {
		t.Errorf("alias source should not be passed through as extra")
	}
	if rec.Extra["country"] != "DE" {
		t.Errorf("country should pass through, extras = %v", rec.Extra)
	}
}

func TestValidateRejections(t *testing.T) {
	v := mustValidator(t)

	tests := []struct {
		name    string
		payload string
		reason  ReasonCode
		field   string
	}{
		{"missing event_time", `{"event_type":"like","user_id":"u"}`, ReasonMissingRequiredField, "event_time"},
		{"blank event_time", `{"event_time":"  ","event_type":"like","user_id":"u"}`, ReasonMissingRequiredField, "event_time"},
		{"bad timestamp", `{"event_time":"yesterday","event_type":"like","user_id":"u"}`, ReasonMalformedTimestamp, "event_time"},
		{"bool timestamp", `{"event_time":true,"event_type":"like","user_id":"u"}`, ReasonMalformedTimestamp, "event_time"},
		{"numeric string mismatch", `{"event_time":"2024-01-01","event_type":"watch_time","user_id":"u","watch_time_sec":"ten"}`, ReasonTypeMismatch, "watch_time_sec"},
		{"negative watch time", `{"event_time":"2024-01-01","event_type":"watch_time","user_id":"u","watch_time_sec":-3}`, ReasonOutOfRange, "watch_time_sec"},
		{"bool key", `{"event_time":"2024-01-01","event_type":"like","user_id":true}`, ReasonTypeMismatch, "user_id"},
		{"not an object", `[1,2,3]`, ReasonMalformedPayload, ""},
		{"truncated", `{"event_time":"2024-01-01"`, ReasonMalformedPayload, ""},
		{"trailing data", `{"event_time":"2024-01-01"} {}`, ReasonMalformedPayload, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.ValidateJSON([]byte(tt.payload))
			if err == nil {
				t.Fatal("expected rejection")
			}
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("error %v does not match ErrValidation", err)
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("error %T is not *ValidationError", err)
			}
			if ve.Reason != tt.reason {
				t.Errorf("reason = %s, want %s (%v)", ve.Reason, tt.reason, err)
			}
			if ve.Field != tt.field {
				t.Errorf("field = %q, want %q", ve.Field, tt.field)
			}
		})
	}
}

func TestValidateFirstFieldInSchemaOrderWins(t *testing.T) {
	v := mustValidator(t)

	// Both event_time and event_type are missing; event_time comes first.
	_, err := v.ValidateJSON([]byte(`{"user_id":"u"}`))
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "event_time" {
		t.Fatalf("expected event_time violation, got %v", err)
	}
}

func TestTimestampForms(t *testing.T) {
	want := time.Date(2024, 2, 29, 23, 59, 58, 0, time.UTC)
	inputs := []any{
		"2024-02-29T23:59:58Z",
		"2024-03-01T01:59:58+02:00",
		"2024-02-29 23:59:58",
		"2024-02-29T23:59:58",
		float64(want.Unix()),
		float64(want.UnixMilli()),
	}
	for _, in := range inputs {
		got, err := castTimestamp(in)
		if err != nil {
			t.Errorf("castTimestamp(%v) failed: %v", in, err)
			continue
		}
		if !got.Time().Equal(want) {
			t.Errorf("castTimestamp(%v) = %v, want %v", in, got.Time(), want)
		}
		if got.Time().Location() != time.UTC {
			t.Errorf("castTimestamp(%v) not normalised to UTC", in)
		}
	}
}

func TestCastIntRejectsLossyInput(t *testing.T) {
	if v, err := castInt("42.0"); err != nil || v.Int() != 42 {
		t.Errorf("castInt(42.0) = %v, %v", v.Int(), err)
	}
	if _, err := castInt(1.5); err == nil {
		t.Errorf("castInt(1.5) should fail")
	}
}

func TestSchemaCheck(t *testing.T) {
	bad := Schema{Name: "dup", Fields: []Field{
		{Name: "a", Type: TypeString},
		{Name: "b", Type: TypeString, Aliases: []string{"a"}},
	}}
	if err := bad.Check(); err == nil {
		t.Error("expected duplicate name error")
	}
	if err := (Schema{Name: "t", Fields: []Field{{Name: "x", Type: "uuid"}}}).Check(); err == nil {
		t.Error("expected unknown type error")
	}
}

func TestStatsObserve(t *testing.T) {
	var s Stats
	s.Observe(nil)
	s.Observe(nil)
	s.Observe(&ValidationError{Reason: ReasonMissingRequiredField})
	s.Observe(&ValidationError{Reason: ReasonTypeMismatch})
	s.Observe(&ValidationError{Reason: ReasonTypeMismatch})

	var total Stats
	total.Merge(s)
	total.Merge(s)

	if total.Accepted != 4 || total.Rejected != 6 {
		t.Errorf("accepted/rejected = %d/%d", total.Accepted, total.Rejected)
	}
	if total.ByReason[ReasonTypeMismatch] != 4 {
		t.Errorf("TypeMismatch = %d", total.ByReason[ReasonTypeMismatch])
	}
	if got := total.Reasons(); len(got) != 2 || got[0] != ReasonMissingRequiredField {
		t.Errorf("Reasons() = %v", got)
	}
}
