package storage

import (
	"context"
	"fmt"

	_ "gocloud.dev/blob/gcsblob" // GCS driver
)

// NewGCSStore opens a Google Cloud Storage bucket as a BlobStore.
func NewGCSStore(ctx context.Context, bucketName, prefix string) (*BlobStore, error) {
	s, err := OpenBlobStore(ctx, fmt.Sprintf("gs://%s", bucketName), prefix)
	if err != nil {
		return nil, fmt.Errorf("open GCS bucket %s: %w", bucketName, err)
	}
	return s, nil
}
