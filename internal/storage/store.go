// Package storage is the partition writer's backend: content-addressed data
// files, a manifest that is the single commit point of a partition, and a
// per-partition lease.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"
)

// File names inside a partition directory.
const (
	ManifestFile = "_manifest.json"
	LeaseFile    = "_lease.json"
	tempPrefix   = ".tmp-"
)

// SnapshotPartition is the partition value of full-snapshot tables.
const SnapshotPartition = "snapshot"

// DatePartition is the partition value for a dt date string.
func DatePartition(dt string) string {
	return "dt=" + dt
}

// PartitionRef identifies one partition of one published table.
type PartitionRef struct {
	Table     string // "fact_video_events"
	Partition string // "dt=2024-03-01" | "snapshot" | "batch_id=b_…"
}

func (r PartitionRef) String() string {
	return r.Table + "/" + r.Partition
}

// Dir returns the partition directory key.
func (r PartitionRef) Dir() string {
	return path.Join(r.Table, r.Partition)
}

// DataKey returns the key of a data file in this partition.
func (r PartitionRef) DataKey(file string) string {
	return path.Join(r.Dir(), file)
}

// ManifestKey returns the key of this partition's manifest.
func (r PartitionRef) ManifestKey() string {
	return path.Join(r.Dir(), ManifestFile)
}

// LeaseKey returns the key of this partition's lease.
func (r PartitionRef) LeaseKey() string {
	return path.Join(r.Dir(), LeaseFile)
}

// TempKey returns a hidden temporary key next to final.
func TempKey(final, token string) string {
	dir, file := path.Split(final)
	return dir + tempPrefix + token + "-" + file
}

// IsTemp reports whether key is a temporary key.
func IsTemp(key string) bool {
	return strings.HasPrefix(path.Base(key), tempPrefix)
}

// Manifest describes the committed contents of a partition. Readers resolve
// the data file through the manifest only.
type Manifest struct {
	Partition     PartitionInfo    `json:"partition"`
	Table         TableInfo        `json:"table"`
	Stats         map[string]int64 `json:"stats,omitempty"`
	Producer      ProducerInfo     `json:"producer"`
	SchemaVersion string           `json:"schema_version"`
	CreatedAt     time.Time        `json:"created_at"`
}

// PartitionInfo names the partition and the run that wrote it.
type PartitionInfo struct {
	Table     string `json:"table"`
	Partition string `json:"partition"`
	BatchID   string `json:"batch_id,omitempty"`
	RunID     string `json:"run_id,omitempty"`
}

// TableInfo describes the partition's data file.
type TableInfo struct {
	File     string `json:"file"`
	Checksum string `json:"checksum"`
	RowCount int64  `json:"row_count"`
	ByteSize int64  `json:"byte_size"`
}

// ProducerInfo describes the software that produced the partition.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha,omitempty"`
}

// MarshalJSON returns the manifest as JSON bytes.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	type Alias Manifest
	return json.MarshalIndent((*Alias)(m), "", "  ")
}

// ParseManifest decodes a manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// Move renames one temporary key to its final key.
type Move struct {
	Temp  string
	Final string
}

// Store abstracts the object storage behind the partition writer. All keys
// are relative to the store's prefix.
type Store interface {
	// WriteTemp writes data under a fresh temporary key next to final and
	// returns that key. Nothing is visible to readers until Finalize.
	WriteTemp(ctx context.Context, final string, data []byte) (tempKey string, err error)

	// Finalize moves temporary keys to their final keys in order. Callers
	// put the manifest last: it is the commit point. On failure, final keys
	// created by this call are removed and temporary keys are aborted.
	Finalize(ctx context.Context, moves []Move) error

	// Abort removes temporary keys without publishing.
	Abort(ctx context.Context, tempKeys []string) error

	// ReadManifest returns the committed manifest, or ErrNotFound.
	ReadManifest(ctx context.Context, ref PartitionRef) (*Manifest, error)

	// ReadObject returns a whole object, or ErrNotFound.
	ReadObject(ctx context.Context, key string) ([]byte, error)

	// WriteObject writes a whole object in one step.
	WriteObject(ctx context.Context, key string, data []byte) error

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns all keys with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// Claim takes the partition's lease for owner, or fails with
	// ErrPartitionClaimed while another owner's lease is unexpired.
	Claim(ctx context.Context, ref PartitionRef, owner string, ttl time.Duration) error

	// Release drops owner's lease. Leases held by others are left alone.
	Release(ctx context.Context, ref PartitionRef, owner string) error

	// URI returns the canonical URI for the given key.
	// For local: file:///path, GCS: gs://bucket/path, S3: s3://bucket/path
	URI(key string) string

	// Close releases any resources.
	Close() error
}

// Config configures the storage backend.
type Config struct {
	Backend string // "local" | "gcs" | "s3" | "url"

	// Local filesystem
	LocalDir string

	// GCS
	GCSBucket string

	// S3 (also works for B2, R2, MinIO)
	S3Bucket   string
	S3Endpoint string
	S3Region   string

	// URL is any gocloud bucket URL, used when Backend is "url".
	URL string

	// Common
	Prefix string // "curated/" (path prefix within bucket or local dir)
}

// New creates a storage backend based on configuration.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "local", "":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("LocalDir required for local backend")
		}
		return NewLocalStore(cfg.LocalDir, cfg.Prefix)
	case "gcs":
		if cfg.GCSBucket == "" {
			return nil, fmt.Errorf("GCSBucket required for gcs backend")
		}
		return NewGCSStore(ctx, cfg.GCSBucket, cfg.Prefix)
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("S3Bucket required for s3 backend")
		}
		return NewS3Store(ctx, cfg.S3Bucket, cfg.Prefix, cfg.S3Endpoint, cfg.S3Region)
	case "url":
		if cfg.URL == "" {
			return nil, fmt.Errorf("URL required for url backend")
		}
		return OpenBlobStore(ctx, cfg.URL, cfg.Prefix)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// CollectGarbage deletes data files and stale temporaries in ref's directory
// that the committed manifest does not reference. It returns the deleted
// keys.
func CollectGarbage(ctx context.Context, s Store, ref PartitionRef, keep string) ([]string, error) {
	keysInDir, err := s.List(ctx, ref.Dir()+"/")
	if err != nil {
		return nil, err
	}
	var deleted []string
	for _, key := range keysInDir {
		base := path.Base(key)
		if base == keep || base == ManifestFile || base == LeaseFile || IsTemp(key) {
			continue
		}
		if !strings.HasSuffix(base, ".parquet") {
			continue
		}
		if err := s.Delete(ctx, key); err != nil {
			return deleted, fmt.Errorf("delete %s: %w", key, err)
		}
		deleted = append(deleted, key)
	}
	return deleted, nil
}
