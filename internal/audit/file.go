package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileBackup saves audit events to local files.
type FileBackup struct {
	dir string
}

// NewFileBackup creates a new file backup handler.
func NewFileBackup(dir string) (*FileBackup, error) {
	if dir == "" {
		dir = "./audit"
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}

	return &FileBackup{dir: dir}, nil
}

// FileName is the backup file name of evt:
// {table}_{partition}_{batch_id}.json.
func FileName(evt *Event) string {
	partition := strings.NewReplacer("=", "-", "/", "-").Replace(evt.Partition.Partition)
	return fmt.Sprintf("%s_%s_%s.json", evt.Partition.Table, partition, evt.Partition.BatchID)
}

// Save writes an event to a local JSON file.
func (f *FileBackup) Save(evt *Event) error {
	path := filepath.Join(f.dir, FileName(evt))

	data, err := json.MarshalIndent(evt, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}

	log.Printf("[audit] backed up to %s", path)
	return nil
}

// FileOnlyEmitter writes events to files only.
type FileOnlyEmitter struct {
	mu           sync.Mutex
	chainTracker *ChainTracker
	backup       *FileBackup
}

// NewFileOnlyEmitter creates an emitter that only writes to local files.
func NewFileOnlyEmitter(dir string) (*FileOnlyEmitter, error) {
	chainTracker, err := NewChainTracker(dir)
	if err != nil {
		return nil, fmt.Errorf("create chain tracker: %w", err)
	}

	backup, err := NewFileBackup(dir)
	if err != nil {
		return nil, fmt.Errorf("create file backup: %w", err)
	}

	return &FileOnlyEmitter{
		chainTracker: chainTracker,
		backup:       backup,
	}, nil
}

// Emit writes an event to a local file and advances its chain.
func (e *FileOnlyEmitter) Emit(_ context.Context, evt *Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	chainKey, err := e.chainTracker.link(evt)
	if err != nil {
		return err
	}

	log.Printf("[audit] file-only emit for %s partition=%s event_hash=%s",
		chainKey, evt.Partition.Partition, evt.Chain.EventHash)

	if err := e.backup.Save(evt); err != nil {
		return err
	}

	if err := e.chainTracker.SetHead(chainKey, evt.Chain.EventHash); err != nil {
		log.Printf("[audit] warning: failed to update chain head: %v", err)
	}
	return nil
}

// Close releases resources.
func (e *FileOnlyEmitter) Close() error {
	return nil
}
