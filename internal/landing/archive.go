package landing

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"github.com/golang/snappy"

	"github.com/withObsrvr/obsrvr-curator/internal/tables"
)

// ObjectWriter stores a whole object under key.
type ObjectWriter interface {
	WriteObject(ctx context.Context, key string, data []byte) error
}

// Archiver keeps a snappy-framed copy of each landing file per batch so a
// batch can be audited or replayed after the landing area is cleaned up.
type Archiver struct {
	dst ObjectWriter
}

// NewArchiver returns an archiver writing to dst.
func NewArchiver(dst ObjectWriter) *Archiver {
	return &Archiver{dst: dst}
}

// ArchiveKey is where the copy of landingKey for batchID is stored.
func ArchiveKey(batchID, landingKey string) string {
	return path.Join(tables.LandingArchive, "batch_id="+batchID, landingKey) + ".sz"
}

// Archive stores raw, the landing file's bytes exactly as read.
func (a *Archiver) Archive(ctx context.Context, batchID, landingKey string, raw []byte) error {
	var buf bytes.Buffer
	w := snappy.NewBufferedWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("compress %s: %w", landingKey, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("compress %s: %w", landingKey, err)
	}
	key := ArchiveKey(batchID, landingKey)
	if err := a.dst.WriteObject(ctx, key, buf.Bytes()); err != nil {
		return fmt.Errorf("archive %s: %w", landingKey, err)
	}
	return nil
}

// Restore returns the original bytes of an archived landing file.
func Restore(archived []byte) ([]byte, error) {
	out, err := io.ReadAll(snappy.NewReader(bytes.NewReader(archived)))
	if err != nil {
		return nil, fmt.Errorf("decompress archive: %w", err)
	}
	return out, nil
}
