// Package checkpoint records which partitions a batch has already committed,
// so a rerun of the same batch skips them.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var (
	// ErrNoCheckpoint is returned when no checkpoint exists.
	ErrNoCheckpoint = errors.New("no checkpoint found")
)

// Checkpoint represents the pipeline's progress for one batch.
type Checkpoint struct {
	Pipeline   string                   `json:"pipeline"`
	BatchID    string                   `json:"batch_id"`
	RunID      string                   `json:"run_id"`
	Partitions map[string]PartitionInfo `json:"partitions"`
	UpdatedAt  time.Time                `json:"updated_at"`
}

// PartitionInfo describes one committed partition, keyed by "table/partition".
type PartitionInfo struct {
	Checksum    string    `json:"checksum,omitempty"`
	RowCount    int64     `json:"row_count"`
	CommittedAt time.Time `json:"committed_at"`
}

// Committed reports whether key was committed for batchID.
func (c *Checkpoint) Committed(batchID, key string) bool {
	if c == nil || c.BatchID != batchID {
		return false
	}
	_, ok := c.Partitions[key]
	return ok
}

// Manager handles checkpoint persistence and retrieval.
type Manager interface {
	// Load reads the current checkpoint.
	Load(ctx context.Context) (*Checkpoint, error)

	// Save persists the checkpoint.
	Save(ctx context.Context, cp *Checkpoint) error
}

// Config configures the checkpoint manager.
type Config struct {
	Enabled bool
	Dir     string // Directory for checkpoint files
	Name    string // Pipeline name, part of the file name
}

// NewManager creates a checkpoint manager based on configuration.
func NewManager(cfg Config) (Manager, error) {
	if !cfg.Enabled {
		return &noopManager{}, nil
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory %s: %w", cfg.Dir, err)
	}

	name := cfg.Name
	if name == "" {
		name = "curator"
	}
	return &fileManager{path: filepath.Join(cfg.Dir, fmt.Sprintf("checkpoint_%s.json", name))}, nil
}

// fileManager persists checkpoints to a local file.
type fileManager struct {
	path string
}

// Load reads the checkpoint from file.
func (m *fileManager) Load(ctx context.Context) (*Checkpoint, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("read checkpoint file: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint file: %w", err)
	}
	return &cp, nil
}

// Save persists the checkpoint to file.
func (m *fileManager) Save(ctx context.Context, cp *Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	// Write atomically
	tempPath := m.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write checkpoint temp file: %w", err)
	}

	if err := os.Rename(tempPath, m.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename checkpoint file: %w", err)
	}

	return nil
}

// noopManager is a no-op checkpoint manager for when checkpointing is disabled.
type noopManager struct{}

func (m *noopManager) Load(ctx context.Context) (*Checkpoint, error) {
	return nil, ErrNoCheckpoint
}

func (m *noopManager) Save(ctx context.Context, cp *Checkpoint) error {
	return nil
}
