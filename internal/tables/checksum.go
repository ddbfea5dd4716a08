// Package tables defines the published row types and their columnar encoding.
package tables

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const checksumPrefix = "sha256:"

// ComputeChecksum computes a SHA256 checksum for the given data.
func ComputeChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return checksumPrefix + hex.EncodeToString(hash[:])
}

// VerifyChecksum verifies that data matches the expected checksum.
func VerifyChecksum(data []byte, expected string) bool {
	return ComputeChecksum(data) == expected
}

// DataFileName is the content-addressed name of a partition data file.
func DataFileName(checksum string) string {
	digest := strings.TrimPrefix(checksum, checksumPrefix)
	if len(digest) > 16 {
		digest = digest[:16]
	}
	return "part-" + digest + ".parquet"
}
