package landing

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// decode decompresses raw according to the key suffix and normalizes the
// text encoding to BOM-less UTF-8.
func (r *Reader) decode(key string, raw []byte) ([]byte, error) {
	data := raw
	switch {
	case strings.HasSuffix(key, ".zst"):
		out, err := r.zstd.DecodeAll(raw, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress %s: %w", key, err)
		}
		data = out
	case strings.HasSuffix(key, ".gz"):
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("gzip open %s: %w", key, err)
		}
		out, err := io.ReadAll(zr)
		zr.Close()
		if err != nil {
			return nil, fmt.Errorf("gzip decompress %s: %w", key, err)
		}
		data = out
	}
	return stripBOM(data)
}

// stripBOM removes a leading byte order mark, decoding UTF-16 input with a
// BOM to UTF-8. Input without a BOM passes through as UTF-8.
func stripBOM(data []byte) ([]byte, error) {
	if !hasBOM(data) {
		return data, nil
	}
	out, _, err := transform.Bytes(unicode.BOMOverride(unicode.UTF8.NewDecoder()), data)
	if err != nil {
		return nil, fmt.Errorf("decode text: %w", err)
	}
	return out, nil
}

func hasBOM(data []byte) bool {
	return bytes.HasPrefix(data, []byte{0xEF, 0xBB, 0xBF}) ||
		bytes.HasPrefix(data, []byte{0xFE, 0xFF}) ||
		bytes.HasPrefix(data, []byte{0xFF, 0xFE})
}

// logicalName strips compression suffixes: events.jsonl.zst -> events.jsonl.
func logicalName(key string) string {
	for _, ext := range []string{".zst", ".gz"} {
		if strings.HasSuffix(key, ext) {
			return strings.TrimSuffix(key, ext)
		}
	}
	return key
}
