package storage

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an object or manifest does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPartitionClaimed is returned when another writer holds the
	// partition's lease.
	ErrPartitionClaimed = errors.New("partition claimed by another writer")

	// ErrPartitionWrite matches every *PartitionWriteError via errors.Is.
	ErrPartitionWrite = errors.New("partition write failed")
)

// PartitionWriteError reports a failed partition write. The partition that
// was visible before the write is untouched; callers retry the whole
// partition when Retryable is set.
type PartitionWriteError struct {
	Table     string
	Partition string
	Op        string
	Retryable bool
	// Counts carries the row counts of the attempted write for the report.
	Counts map[string]int64
	Err    error
}

func (e *PartitionWriteError) Error() string {
	return fmt.Sprintf("PartitionWriteError: %s/%s: %s: %v", e.Table, e.Partition, e.Op, e.Err)
}

func (e *PartitionWriteError) Unwrap() error { return e.Err }

func (e *PartitionWriteError) Is(target error) bool {
	return target == ErrPartitionWrite
}

// WriteFailure wraps err for ref. Cancellation is not retryable; everything
// else, including a held lease, is.
func WriteFailure(ref PartitionRef, op string, err error, counts map[string]int64) *PartitionWriteError {
	retryable := !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	return &PartitionWriteError{
		Table:     ref.Table,
		Partition: ref.Partition,
		Op:        op,
		Retryable: retryable,
		Counts:    counts,
		Err:       err,
	}
}
