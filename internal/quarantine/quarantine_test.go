package quarantine

import (
	"errors"
	"sync"
	"testing"

	"github.com/withObsrvr/obsrvr-curator/internal/keys"
	"github.com/withObsrvr/obsrvr-curator/internal/schema"
)

func TestSinkKeepsOriginalPayloadAndReason(t *testing.T) {
	s := NewSink("b_1")
	payload := []byte(`{"event_type":"like","user_id":"u1"}`)
	reason := s.Add(ChannelEvents, "events/a.jsonl", 3, payload,
		&schema.ValidationError{Reason: schema.ReasonMissingRequiredField, Field: "event_time"})

	if reason != schema.ReasonMissingRequiredField {
		t.Fatalf("reason = %s", reason)
	}
	recs := s.Records()
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	r := recs[0]
	if r.OriginalPayload != string(payload) || r.BatchID != "b_1" || r.Field != "event_time" || r.SourceLine != 3 {
		t.Errorf("record = %+v", r)
	}
	if got := s.Stats(ChannelEvents).ByReason[schema.ReasonMissingRequiredField]; got != 1 {
		t.Errorf("stats count = %d, want 1", got)
	}
}

func TestSinkAddIsIdempotent(t *testing.T) {
	s := NewSink("b_1")
	err := errors.New("boom")
	s.Add(ChannelEvents, "events/a.jsonl", 1, []byte("{"), err)
	s.Add(ChannelEvents, "events/a.jsonl", 1, []byte("{"), err)
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
	if s.Stats(ChannelEvents).Rejected != 1 {
		t.Errorf("duplicate add counted twice")
	}
}

func TestSinkConcurrentAddAndOrder(t *testing.T) {
	s := NewSink("")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Add(ChannelEvents, "events/a.jsonl", 50-i, []byte{byte(i)}, nil)
		}(i)
	}
	wg.Wait()
	s.Add(ChannelUsers, "dims/users/u.csv", 2, []byte("x"), nil)
	s.SetBatchID("b_2")

	recs := s.Records()
	if len(recs) != 51 {
		t.Fatalf("got %d records, want 51", len(recs))
	}
	if recs[0].Channel != ChannelUsers {
		t.Errorf("channel order: first = %s", recs[0].Channel)
	}
	for i := 2; i < len(recs); i++ {
		if recs[i].SourceLine < recs[i-1].SourceLine {
			t.Fatalf("records not ordered by line at %d", i)
		}
	}
	for _, r := range recs {
		if r.BatchID != "b_2" {
			t.Fatalf("batch id not stamped: %+v", r)
		}
	}
	if got := s.Channels(); len(got) != 2 || got[0] != ChannelUsers {
		t.Errorf("Channels = %v", got)
	}
}

func TestClassifyKeyConflict(t *testing.T) {
	err := &keys.KeyTypeConflictError{Column: "user_id", Value: "1.5", Kind: schema.KindFloat, Canonical: keys.CanonicalInt64}
	reason, field, _ := Classify(err)
	if reason != schema.ReasonKeyTypeConflict || field != "user_id" {
		t.Errorf("Classify = %s %s", reason, field)
	}
}
