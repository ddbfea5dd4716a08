package pipeline

import (
	"fmt"
	"strings"

	"github.com/withObsrvr/obsrvr-curator/internal/curate"
	"github.com/withObsrvr/obsrvr-curator/internal/storage"
	"github.com/withObsrvr/obsrvr-curator/internal/tables"
)

// maxQualityErrors caps the messages kept per partition.
const maxQualityErrors = 10

// ValidationResult contains the outcome of partition validation.
type ValidationResult struct {
	Passed   bool
	Errors   []string
	RowCount int64
}

func (r *ValidationResult) fail(format string, args ...any) {
	r.Passed = false
	if len(r.Errors) < maxQualityErrors {
		r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	}
}

// QualityError is returned when a curated partition fails validation. It is
// not retried: the same input yields the same rows.
type QualityError struct {
	Table     string
	Partition string
	Errors    []string
}

func (e *QualityError) Error() string {
	return fmt.Sprintf("quality check failed for %s/%s: %s", e.Table, e.Partition, strings.Join(e.Errors, "; "))
}

// ValidatePartition checks the fact rows of one dt partition before commit:
//   - event ids are present and unique
//   - rows are ordered by (dt, event_time, event_id)
//   - every row belongs to the partition
//   - unresolved flags agree with keys and denormalized attributes
func ValidatePartition(partition string, facts []tables.FactVideoEvent) ValidationResult {
	result := ValidationResult{Passed: true, RowCount: int64(len(facts))}

	if len(facts) == 0 {
		result.fail("partition has no rows")
		return result
	}

	seen := make(map[string]struct{}, len(facts))
	for i, f := range facts {
		if f.EventID == "" {
			result.fail("row %d has no event_id", i)
		} else if _, dup := seen[f.EventID]; dup {
			result.fail("duplicate event_id %s", f.EventID)
		}
		seen[f.EventID] = struct{}{}

		if i > 0 && curate.FactLess(f, facts[i-1]) {
			result.fail("row %d out of order (event_id %s)", i, f.EventID)
		}
		if storage.DatePartition(f.Dt) != partition {
			result.fail("event_id %s has dt %s outside %s", f.EventID, f.Dt, partition)
		}

		if f.UserID == nil {
			result.fail("event_id %s has no user_id", f.EventID)
		}
		if f.UnresolvedUser && (f.UserCountry != nil || f.UserSignupDate != nil || f.UserSubscriptionTier != nil) {
			result.fail("event_id %s: unresolved user carries attributes", f.EventID)
		}
		if f.UnresolvedVideo && (f.VideoID == nil || f.VideoTitle != nil || f.VideoCategory != nil || f.VideoCreatorID != nil) {
			result.fail("event_id %s: unresolved video flag inconsistent", f.EventID)
		}
		if f.VideoID == nil && (f.VideoTitle != nil || f.VideoCategory != nil) {
			result.fail("event_id %s: absent video carries attributes", f.EventID)
		}
		if f.UnresolvedDevice && (f.DeviceID == nil || f.DevicePlatform != nil || f.DeviceAppVersion != nil) {
			result.fail("event_id %s: unresolved device flag inconsistent", f.EventID)
		}
		if f.DeviceID == nil && (f.DevicePlatform != nil || f.DeviceAppVersion != nil) {
			result.fail("event_id %s: absent device carries attributes", f.EventID)
		}
		if f.WatchTimeSec != nil && *f.WatchTimeSec < 0 {
			result.fail("event_id %s: negative watch_time_sec", f.EventID)
		}
	}
	return result
}
