package landing

import (
	"encoding/hex"
	"sort"
	"strconv"

	"github.com/zeebo/xxh3"
)

// Digest fingerprints one landing file as it was read.
type Digest struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
	Hash string `json:"xxh3"`
}

func digestOf(f File, raw []byte) Digest {
	sum := xxh3.Hash128(raw).Bytes()
	return Digest{Key: f.Key, Size: int64(len(raw)), Hash: hex.EncodeToString(sum[:])}
}

// BatchID derives the batch identifier from the digests of every file in
// the batch. The same set of files with the same contents always yields the
// same id, regardless of listing order.
func BatchID(digests []Digest) string {
	sorted := make([]Digest, len(digests))
	copy(sorted, digests)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	h := xxh3.New()
	for _, d := range sorted {
		h.WriteString(d.Key)
		h.WriteString("\x00")
		h.WriteString(strconv.FormatInt(d.Size, 10))
		h.WriteString("\x00")
		h.WriteString(d.Hash)
		h.WriteString("\n")
	}
	sum := h.Sum128().Bytes()
	return "b_" + hex.EncodeToString(sum[:8])
}
