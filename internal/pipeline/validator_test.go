package pipeline

import (
	"strings"
	"testing"
	"time"

	"github.com/withObsrvr/obsrvr-curator/internal/tables"
)

func sp(s string) *string { return &s }

func fact(id string, at time.Time) tables.FactVideoEvent {
	return tables.FactVideoEvent{
		EventID:   id,
		EventTime: at,
		EventType: "video_start",
		UserID:    sp("u_1"),
		Dt:        tables.PartitionDate(at),
	}
}

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func TestValidatePartition_Valid(t *testing.T) {
	facts := []tables.FactVideoEvent{
		fact("e1", t0),
		fact("e2", t0.Add(time.Minute)),
		fact("e3", t0.Add(time.Minute)),
	}

	result := ValidatePartition("dt=2024-03-01", facts)

	if !result.Passed {
		t.Errorf("Valid partition should pass. Errors: %v", result.Errors)
	}
	if result.RowCount != 3 {
		t.Errorf("RowCount = %d, want 3", result.RowCount)
	}
}

func TestValidatePartition_EmptyPartition(t *testing.T) {
	result := ValidatePartition("dt=2024-03-01", nil)

	if result.Passed {
		t.Error("Empty partition should fail validation")
	}
}

func TestValidatePartition_DuplicateID(t *testing.T) {
	facts := []tables.FactVideoEvent{fact("e1", t0), fact("e1", t0.Add(time.Second))}

	result := ValidatePartition("dt=2024-03-01", facts)

	if result.Passed {
		t.Fatal("Duplicate event ids should fail validation")
	}
	if !strings.Contains(result.Errors[0], "duplicate event_id e1") {
		t.Errorf("unexpected error: %v", result.Errors)
	}
}

func TestValidatePartition_OutOfOrder(t *testing.T) {
	facts := []tables.FactVideoEvent{fact("e2", t0.Add(time.Minute)), fact("e1", t0)}

	result := ValidatePartition("dt=2024-03-01", facts)

	if result.Passed {
		t.Error("Unordered rows should fail validation")
	}
}

func TestValidatePartition_WrongDate(t *testing.T) {
	facts := []tables.FactVideoEvent{fact("e1", t0)}

	result := ValidatePartition("dt=2024-03-02", facts)

	if result.Passed {
		t.Error("Row outside the partition should fail validation")
	}
}

func TestValidatePartition_FlagConsistency(t *testing.T) {
	unresolved := fact("e1", t0)
	unresolved.VideoID = sp("v_9")
	unresolved.UnresolvedVideo = true
	unresolved.VideoTitle = sp("leaked")

	absent := fact("e2", t0.Add(time.Second))
	absent.DevicePlatform = sp("ios")

	noUser := fact("e3", t0.Add(2*time.Second))
	noUser.UserID = nil

	negative := fact("e4", t0.Add(3*time.Second))
	watch := -1.0
	negative.WatchTimeSec = &watch

	result := ValidatePartition("dt=2024-03-01", []tables.FactVideoEvent{unresolved, absent, noUser, negative})

	if result.Passed {
		t.Fatal("Inconsistent rows should fail validation")
	}
	if len(result.Errors) != 4 {
		t.Errorf("got %d errors, want 4: %v", len(result.Errors), result.Errors)
	}
}

func TestValidatePartition_ErrorsCapped(t *testing.T) {
	var facts []tables.FactVideoEvent
	for i := 0; i < 3*maxQualityErrors; i++ {
		facts = append(facts, fact("", t0))
	}

	result := ValidatePartition("dt=2024-03-01", facts)

	if len(result.Errors) != maxQualityErrors {
		t.Errorf("got %d errors, want %d", len(result.Errors), maxQualityErrors)
	}
}

func TestQualityErrorMessage(t *testing.T) {
	err := &QualityError{Table: tables.FactVideoEvents, Partition: "dt=2024-03-01", Errors: []string{"a", "b"}}
	want := "quality check failed for fact_video_events/dt=2024-03-01: a; b"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
