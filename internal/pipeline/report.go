package pipeline

import (
	"sort"
	"sync"
	"time"

	"github.com/withObsrvr/obsrvr-curator/internal/curate"
	"github.com/withObsrvr/obsrvr-curator/internal/dimensions"
	"github.com/withObsrvr/obsrvr-curator/internal/schema"
)

// Status is the outcome of one partition in a run.
type Status string

const (
	StatusCommitted Status = "committed"
	StatusUnchanged Status = "unchanged"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

// PartitionReport describes one partition of a run.
type PartitionReport struct {
	Table     string `json:"table"`
	Partition string `json:"partition"`
	Status    Status `json:"status"`
	Rows      int64  `json:"rows"`
	// Accepted counts this batch's staged events routed to the partition.
	Accepted   int64  `json:"accepted,omitempty"`
	Duplicates int    `json:"duplicates,omitempty"`
	Unresolved int    `json:"unresolved,omitempty"`
	Checksum   string `json:"checksum,omitempty"`
	Attempts   int    `json:"attempts,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Report summarizes a run.
type Report struct {
	RunID      string    `json:"run_id"`
	BatchID    string    `json:"batch_id"`
	Mode       Mode      `json:"mode"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Files      []string              `json:"files"`
	Events     schema.Stats          `json:"events"`
	Dimensions dimensions.LoadReport `json:"dimensions"`
	// Quarantine holds rejected record counts per channel.
	Quarantine      map[string]schema.Stats `json:"quarantine"`
	BatchDuplicates int                     `json:"batch_duplicates"`
	Join            curate.JoinStats        `json:"join"`

	Partitions []PartitionReport `json:"partitions"`

	mu sync.Mutex
}

func (r *Report) add(pr PartitionReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Partitions = append(r.Partitions, pr)
}

func (r *Report) addJoin(s curate.JoinStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Join.Merge(s)
}

func (r *Report) sortPartitions() {
	sort.Slice(r.Partitions, func(i, j int) bool {
		a, b := r.Partitions[i], r.Partitions[j]
		if a.Table != b.Table {
			return a.Table < b.Table
		}
		return a.Partition < b.Partition
	})
}

// Partition returns the report of one partition.
func (r *Report) Partition(table, partition string) (PartitionReport, bool) {
	for _, pr := range r.Partitions {
		if pr.Table == table && pr.Partition == partition {
			return pr, true
		}
	}
	return PartitionReport{}, false
}

// Count returns how many partitions ended with status.
func (r *Report) Count(status Status) int {
	n := 0
	for _, pr := range r.Partitions {
		if pr.Status == status {
			n++
		}
	}
	return n
}

// Quarantined is the total number of quarantined records.
func (r *Report) Quarantined() int64 {
	var n int64
	for _, s := range r.Quarantine {
		n += s.Rejected
	}
	return n
}
