package storage

import (
	"encoding/json"
	"fmt"
	"time"
)

// Lease is the content of a partition's lease file.
type Lease struct {
	Owner    string    `json:"owner"`
	Acquired time.Time `json:"acquired"`
	Expires  time.Time `json:"expires"`
}

func newLease(owner string, ttl time.Duration) Lease {
	now := time.Now().UTC()
	return Lease{Owner: owner, Acquired: now, Expires: now.Add(ttl)}
}

// Expired reports whether the lease no longer holds at now.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.Expires)
}

func (l Lease) encode() ([]byte, error) {
	return json.Marshal(l)
}

func decodeLease(data []byte) (Lease, error) {
	var l Lease
	if err := json.Unmarshal(data, &l); err != nil {
		return Lease{}, fmt.Errorf("parse lease: %w", err)
	}
	return l, nil
}

// claimedBy wraps ErrPartitionClaimed with the holder.
func claimedBy(ref PartitionRef, l Lease) error {
	return fmt.Errorf("%s: %w (owner %s until %s)", ref, ErrPartitionClaimed, l.Owner, l.Expires.Format(time.RFC3339))
}
