package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"
)

// LocalStore writes partitions to the local filesystem. Finalize uses
// rename, which is atomic within one filesystem.
type LocalStore struct {
	baseDir string
	prefix  string

	// beforeRename, when set, runs before each Finalize rename. Tests use
	// it to fail a commit part way through.
	beforeRename func(final string) error
}

// NewLocalStore creates a new local filesystem store.
func NewLocalStore(baseDir, prefix string) (*LocalStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create base directory %s: %w", baseDir, err)
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory %s: %w", baseDir, err)
	}
	return &LocalStore{baseDir: abs, prefix: prefix}, nil
}

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(s.prefix+key))
}

func (s *LocalStore) writeFile(key string, data []byte, flag int) error {
	p := s.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", filepath.Dir(p), err)
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|flag, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(p)
		return fmt.Errorf("write %s: %w", p, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(p)
		return fmt.Errorf("sync %s: %w", p, err)
	}
	return f.Close()
}

// WriteTemp writes data to a temporary file next to final.
func (s *LocalStore) WriteTemp(ctx context.Context, final string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tempKey := TempKey(final, uuid.New().String())
	if err := s.writeFile(tempKey, data, os.O_EXCL); err != nil {
		return "", fmt.Errorf("write temp file %s: %w", tempKey, err)
	}
	return tempKey, nil
}

// Finalize renames temp files into place in order.
func (s *LocalStore) Finalize(ctx context.Context, moves []Move) error {
	var created []string
	rollback := func() {
		for _, key := range created {
			os.Remove(s.path(key))
		}
		temps := make([]string, len(moves))
		for i, m := range moves {
			temps[i] = m.Temp
		}
		s.Abort(context.Background(), temps)
	}

	for _, m := range moves {
		if err := ctx.Err(); err != nil {
			rollback()
			return err
		}
		if s.beforeRename != nil {
			if err := s.beforeRename(m.Final); err != nil {
				rollback()
				return fmt.Errorf("finalize %s: %w", m.Final, err)
			}
		}
		finalPath := s.path(m.Final)
		_, statErr := os.Stat(finalPath)
		existed := statErr == nil
		if err := os.Rename(s.path(m.Temp), finalPath); err != nil {
			rollback()
			return fmt.Errorf("rename %s to %s: %w", m.Temp, m.Final, err)
		}
		if !existed {
			created = append(created, m.Final)
		}
	}
	return nil
}

// Abort removes temporary files without publishing.
func (s *LocalStore) Abort(ctx context.Context, tempKeys []string) error {
	var lastErr error
	for _, key := range tempKeys {
		if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
			lastErr = err
		}
	}
	return lastErr
}

// ReadManifest returns the committed manifest of ref.
func (s *LocalStore) ReadManifest(ctx context.Context, ref PartitionRef) (*Manifest, error) {
	data, err := s.ReadObject(ctx, ref.ManifestKey())
	if err != nil {
		return nil, err
	}
	return ParseManifest(data)
}

// ReadObject reads a whole file.
func (s *LocalStore) ReadObject(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// WriteObject writes a whole file using temp file + rename.
func (s *LocalStore) WriteObject(ctx context.Context, key string, data []byte) error {
	tempKey, err := s.WriteTemp(ctx, key, data)
	if err != nil {
		return err
	}
	if err := os.Rename(s.path(tempKey), s.path(key)); err != nil {
		os.Remove(s.path(tempKey))
		return fmt.Errorf("rename %s to %s: %w", tempKey, key, err)
	}
	return nil
}

// Exists checks if a file exists.
func (s *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(s.path(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// List returns all keys with the given prefix.
func (s *LocalStore) List(ctx context.Context, prefix string) ([]string, error) {
	root := filepath.Join(s.baseDir, filepath.FromSlash(s.prefix))
	var keys []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete removes a file.
func (s *LocalStore) Delete(ctx context.Context, key string) error {
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Claim creates the lease file exclusively. An expired lease is replaced; a
// lease already held by owner is refreshed.
func (s *LocalStore) Claim(ctx context.Context, ref PartitionRef, owner string, ttl time.Duration) error {
	data, err := newLease(owner, ttl).encode()
	if err != nil {
		return err
	}
	for attempt := 0; attempt < 3; attempt++ {
		err := s.writeFile(ref.LeaseKey(), data, os.O_EXCL)
		if err == nil {
			return nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("claim %s: %w", ref, err)
		}
		existing, rerr := s.ReadObject(ctx, ref.LeaseKey())
		if errors.Is(rerr, ErrNotFound) {
			continue
		}
		if rerr != nil {
			return fmt.Errorf("claim %s: %w", ref, rerr)
		}
		held, derr := decodeLease(existing)
		if derr == nil && held.Owner != owner && !held.Expired(time.Now()) {
			return claimedBy(ref, held)
		}
		if err := s.evictLease(ctx, ref, existing); err != nil {
			return err
		}
	}
	return fmt.Errorf("%s: %w (lost claim race)", ref, ErrPartitionClaimed)
}

// staleMarkerAge is how long an eviction marker may exist before it is taken
// to belong to a crashed claimant.
const staleMarkerAge = time.Minute

// evictLease removes the lease file if it still holds seen. Claimants evicting
// the same stale lease serialize on an exclusive marker named after its
// content, so only one of them removes it and none removes a newer lease.
func (s *LocalStore) evictLease(ctx context.Context, ref PartitionRef, seen []byte) error {
	marker := path.Join(ref.Dir(), fmt.Sprintf("%slease-%016x", tempPrefix, xxh3.Hash(seen)))

	if err := s.writeFile(marker, nil, os.O_EXCL); err != nil {
		if !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("claim %s: %w", ref, err)
		}
		if info, serr := os.Stat(s.path(marker)); serr == nil && time.Since(info.ModTime()) > staleMarkerAge {
			os.Remove(s.path(marker))
		}
		return fmt.Errorf("%s: %w (lease takeover in progress)", ref, ErrPartitionClaimed)
	}
	defer os.Remove(s.path(marker))

	current, err := s.ReadObject(ctx, ref.LeaseKey())
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim %s: %w", ref, err)
	}
	if !bytes.Equal(current, seen) {
		if held, err := decodeLease(current); err == nil {
			return claimedBy(ref, held)
		}
		return fmt.Errorf("%s: %w (lost claim race)", ref, ErrPartitionClaimed)
	}
	if err := os.Remove(s.path(ref.LeaseKey())); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("claim %s: %w", ref, err)
	}
	return nil
}

// Release removes owner's lease file.
func (s *LocalStore) Release(ctx context.Context, ref PartitionRef, owner string) error {
	existing, err := s.ReadObject(ctx, ref.LeaseKey())
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	held, err := decodeLease(existing)
	if err == nil && held.Owner != owner {
		return nil
	}
	return s.Delete(ctx, ref.LeaseKey())
}

// URI returns the canonical URI for the given key.
func (s *LocalStore) URI(key string) string {
	return "file://" + s.path(key)
}

// Close is a no-op for local storage.
func (s *LocalStore) Close() error {
	return nil
}

var _ Store = (*LocalStore)(nil)
