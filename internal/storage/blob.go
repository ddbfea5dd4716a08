package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// URLs
	_ "gocloud.dev/blob/memblob"  // mem:// for tests and dry runs
	"gocloud.dev/gcerrors"
)

// BlobStore writes partitions to any gocloud bucket. Object stores have no
// rename, so Finalize copies then deletes; the manifest copy is the commit.
type BlobStore struct {
	bucket  *blob.Bucket
	base    string
	prefix  string
	onWrite func(key string) error
}

// OpenBlobStore opens a bucket URL (gs://, s3://, file://, mem://).
func OpenBlobStore(ctx context.Context, bucketURL, prefix string) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	return NewBlobStore(bucket, bucketURL, prefix), nil
}

// NewBlobStore wraps an open bucket. base is the URI prefix used by URI.
func NewBlobStore(bucket *blob.Bucket, base, prefix string) *BlobStore {
	return &BlobStore{bucket: bucket, base: base, prefix: prefix}
}

func (s *BlobStore) key(k string) string { return s.prefix + k }

func (s *BlobStore) write(ctx context.Context, key string, data []byte) error {
	if s.onWrite != nil {
		if err := s.onWrite(key); err != nil {
			return err
		}
	}
	w, err := s.bucket.NewWriter(ctx, s.key(key), nil)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write data to %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}
	return nil
}

// WriteTemp writes data to a temporary object next to final.
func (s *BlobStore) WriteTemp(ctx context.Context, final string, data []byte) (string, error) {
	tempKey := TempKey(final, uuid.New().String())
	if err := s.write(ctx, tempKey, data); err != nil {
		return "", err
	}
	return tempKey, nil
}

// Finalize copies temp objects to their final keys in order, then deletes
// the temps.
func (s *BlobStore) Finalize(ctx context.Context, moves []Move) error {
	temps := make([]string, len(moves))
	for i, m := range moves {
		temps[i] = m.Temp
	}

	var created []string
	for _, m := range moves {
		existed, _ := s.Exists(ctx, m.Final)
		if err := s.copyObject(ctx, m.Temp, m.Final); err != nil {
			for _, key := range created {
				s.bucket.Delete(context.Background(), s.key(key))
			}
			s.Abort(context.Background(), temps)
			return fmt.Errorf("finalize %s -> %s: %w", m.Temp, m.Final, err)
		}
		if !existed {
			created = append(created, m.Final)
		}
	}

	for _, key := range temps {
		s.bucket.Delete(ctx, s.key(key)) // ignore errors
	}
	return nil
}

// copyObject copies an object within the bucket.
func (s *BlobStore) copyObject(ctx context.Context, srcKey, dstKey string) error {
	if s.onWrite != nil {
		if err := s.onWrite(dstKey); err != nil {
			return err
		}
	}
	r, err := s.bucket.NewReader(ctx, s.key(srcKey), nil)
	if err != nil {
		return fmt.Errorf("open source %s: %w", srcKey, err)
	}
	defer r.Close()

	w, err := s.bucket.NewWriter(ctx, s.key(dstKey), nil)
	if err != nil {
		return fmt.Errorf("create destination %s: %w", dstKey, err)
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return fmt.Errorf("copy to %s: %w", dstKey, err)
	}
	return w.Close()
}

// Abort removes temporary objects without publishing.
func (s *BlobStore) Abort(ctx context.Context, tempKeys []string) error {
	var lastErr error
	for _, key := range tempKeys {
		if err := s.bucket.Delete(ctx, s.key(key)); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
			lastErr = err
		}
	}
	return lastErr
}

// ReadManifest returns the committed manifest of ref.
func (s *BlobStore) ReadManifest(ctx context.Context, ref PartitionRef) (*Manifest, error) {
	data, err := s.ReadObject(ctx, ref.ManifestKey())
	if err != nil {
		return nil, err
	}
	return ParseManifest(data)
}

// ReadObject reads a whole object.
func (s *BlobStore) ReadObject(ctx context.Context, key string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, s.key(key))
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// WriteObject writes a whole object. Object writes become visible on close,
// so a partial object is never observed.
func (s *BlobStore) WriteObject(ctx context.Context, key string, data []byte) error {
	return s.write(ctx, key, data)
}

// Exists checks if an object exists.
func (s *BlobStore) Exists(ctx context.Context, key string) (bool, error) {
	return s.bucket.Exists(ctx, s.key(key))
}

// List returns all keys with the given prefix.
func (s *BlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.bucket.List(&blob.ListOptions{Prefix: s.key(prefix)})
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
		keys = append(keys, obj.Key[len(s.prefix):])
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete removes an object.
func (s *BlobStore) Delete(ctx context.Context, key string) error {
	if err := s.bucket.Delete(ctx, s.key(key)); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return err
	}
	return nil
}

// Claim writes owner's lease unless another unexpired lease exists, then
// reads it back to confirm no concurrent claimant overwrote it.
func (s *BlobStore) Claim(ctx context.Context, ref PartitionRef, owner string, ttl time.Duration) error {
	existing, err := s.ReadObject(ctx, ref.LeaseKey())
	switch {
	case err == nil:
		held, derr := decodeLease(existing)
		if derr == nil && held.Owner != owner && !held.Expired(time.Now()) {
			return claimedBy(ref, held)
		}
	case !errors.Is(err, ErrNotFound):
		return fmt.Errorf("claim %s: %w", ref, err)
	}

	data, err := newLease(owner, ttl).encode()
	if err != nil {
		return err
	}
	if err := s.write(ctx, ref.LeaseKey(), data); err != nil {
		return fmt.Errorf("claim %s: %w", ref, err)
	}

	back, err := s.ReadObject(ctx, ref.LeaseKey())
	if err != nil {
		return fmt.Errorf("claim %s: %w", ref, err)
	}
	held, err := decodeLease(back)
	if err != nil {
		return fmt.Errorf("claim %s: %w", ref, err)
	}
	if held.Owner != owner {
		return claimedBy(ref, held)
	}
	return nil
}

// Release deletes owner's lease.
func (s *BlobStore) Release(ctx context.Context, ref PartitionRef, owner string) error {
	existing, err := s.ReadObject(ctx, ref.LeaseKey())
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if held, err := decodeLease(existing); err == nil && held.Owner != owner {
		return nil
	}
	return s.Delete(ctx, ref.LeaseKey())
}

// URI returns the canonical URI for the given key.
func (s *BlobStore) URI(key string) string {
	return s.base + "/" + s.key(key)
}

// Close releases the bucket connection.
func (s *BlobStore) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

var _ Store = (*BlobStore)(nil)
