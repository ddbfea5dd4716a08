// Package audit emits a tamper-evident, hash-chained event for every
// published partition.
package audit

import (
	"time"
)

const (
	// EventVersion is the audit event format version.
	EventVersion = "1.0"
	// EventTypePartition marks a published partition.
	EventTypePartition = "curated_partition"
)

// Event records one publication.
type Event struct {
	Version   string    `json:"version"`
	EventType string    `json:"event_type"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`

	Partition PartitionInfo    `json:"partition"`
	Table     TableInfo        `json:"table"`
	Counts    map[string]int64 `json:"counts,omitempty"`
	Producer  ProducerInfo     `json:"producer"`
	Chain     ChainInfo        `json:"chain"`
}

// PartitionInfo identifies the published partition.
type PartitionInfo struct {
	Table     string `json:"table"`
	Partition string `json:"partition"`
	BatchID   string `json:"batch_id"`
	RunID     string `json:"run_id,omitempty"`
}

// TableInfo describes the committed data file.
type TableInfo struct {
	Checksum    string `json:"checksum"`
	RowCount    int64  `json:"row_count"`
	StoragePath string `json:"storage_path"`
	ByteSize    int64  `json:"byte_size"`
}

// ProducerInfo identifies the software that produced the data.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha"`
}

// ChainInfo links an event to the previous event of the same table.
type ChainInfo struct {
	PrevEventHash string `json:"prev_event_hash"`
	EventHash     string `json:"event_hash"`
}

// ChainKey returns the chain an event belongs to. Each table has one chain.
func (p PartitionInfo) ChainKey() string {
	return p.Table
}

// SetChainHashes links the event to prevHash and computes its own hash.
func (e *Event) SetChainHashes(prevHash string) {
	e.Chain.PrevEventHash = prevHash
	e.Chain.EventHash = ComputeEventHash(e)
}
