// Package landing reads raw landing files (newline-delimited events and
// tabular dimension snapshots) from a local directory or an object store,
// without interpreting them.
package landing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob" // GCS driver
	_ "gocloud.dev/blob/memblob" // mem:// for tests and dry runs
	_ "gocloud.dev/blob/s3blob"  // S3 driver

	"github.com/withObsrvr/obsrvr-curator/internal/logging"
	"github.com/withObsrvr/obsrvr-curator/internal/storage"
)

// Config locates the landing area.
type Config struct {
	Backend string // "local" | "gcs" | "s3" | "url"

	LocalDir string

	GCSBucket string

	S3Bucket   string
	S3Endpoint string
	S3Region   string

	// URL is any gocloud bucket URL, used when Backend is "url".
	URL string
}

// ErrNoFiles is returned when a prefix holds no landing files.
var ErrNoFiles = errors.New("no landing files found")

// BucketURL builds the gocloud URL for a non-local backend.
func BucketURL(cfg Config) (string, error) {
	switch cfg.Backend {
	case "gcs":
		if cfg.GCSBucket == "" {
			return "", fmt.Errorf("GCSBucket required for gcs backend")
		}
		return "gs://" + cfg.GCSBucket, nil
	case "s3":
		if cfg.S3Bucket == "" {
			return "", fmt.Errorf("S3Bucket required for s3 backend")
		}
		bucketURL := storage.S3URL(cfg.S3Bucket, cfg.S3Endpoint, cfg.S3Region)
		return bucketURL, nil
	case "url":
		if cfg.URL == "" {
			return "", fmt.Errorf("URL required for url backend")
		}
		return cfg.URL, nil
	}
	return "", fmt.Errorf("unknown landing backend: %s", cfg.Backend)
}

// Open opens the landing bucket described by cfg.
func Open(ctx context.Context, cfg Config) (*Reader, error) {
	var (
		bucket *blob.Bucket
		err    error
	)
	if cfg.Backend == "local" || cfg.Backend == "" {
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("LocalDir required for local backend")
		}
		bucket, err = fileblob.OpenBucket(cfg.LocalDir, nil)
		if err != nil {
			return nil, fmt.Errorf("open landing dir %s: %w", cfg.LocalDir, err)
		}
	} else {
		bucketURL, uerr := BucketURL(cfg)
		if uerr != nil {
			return nil, uerr
		}
		bucket, err = blob.OpenBucket(ctx, bucketURL)
		if err != nil {
			return nil, fmt.Errorf("open landing bucket %s: %w", bucketURL, err)
		}
	}
	r, err := NewReader(bucket)
	if err != nil {
		bucket.Close()
		return nil, err
	}
	return r, nil
}

// Reader lists and reads landing files. It is safe for concurrent use.
type Reader struct {
	bucket *blob.Bucket
	zstd   *zstd.Decoder
	log    *slog.Logger
}

// NewReader wraps an open bucket. The reader takes ownership of it.
func NewReader(bucket *blob.Bucket) (*Reader, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Reader{bucket: bucket, zstd: dec, log: logging.Component("landing")}, nil
}

// Close releases the decoder and the bucket.
func (r *Reader) Close() error {
	r.zstd.Close()
	return r.bucket.Close()
}

// File is one landing object. Index is its position in key order within a
// listing and defines file order for tie-breaks.
type File struct {
	Key     string
	Size    int64
	ModTime time.Time
	Index   int
}

// List returns the landing files under prefix in key order. Objects whose
// base name starts with "." or "_" are skipped.
func (r *Reader) List(ctx context.Context, prefix string) ([]File, error) {
	var files []File
	iter := r.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		if obj.IsDir {
			continue
		}
		base := path.Base(obj.Key)
		if strings.HasPrefix(base, ".") || strings.HasPrefix(base, "_") {
			continue
		}
		files = append(files, File{Key: obj.Key, Size: obj.Size, ModTime: obj.ModTime.UTC()})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Key < files[j].Key })
	for i := range files {
		files[i].Index = i
	}
	r.log.Debug("listed landing files", "prefix", prefix, "count", len(files))
	return files, nil
}

// readRaw returns the object bytes exactly as stored.
func (r *Reader) readRaw(ctx context.Context, key string) ([]byte, error) {
	data, err := r.bucket.ReadAll(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}
