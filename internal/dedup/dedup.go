// Package dedup removes duplicate staged events by identity key.
package dedup

import (
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/withObsrvr/obsrvr-curator/internal/tables"
)

// SyntheticPrefix marks event IDs synthesized from event content.
const SyntheticPrefix = "syn_"

// SyntheticEventID derives a stable identity for events that arrive without
// an event_id, from (user_id, event_time, event_type, session_id).
func SyntheticEventID(userID string, eventTime time.Time, eventType, sessionID string) string {
	var b strings.Builder
	b.WriteString(userID)
	b.WriteByte(0x1f)
	b.WriteString(strconv.FormatInt(eventTime.UTC().UnixNano(), 10))
	b.WriteByte(0x1f)
	b.WriteString(eventType)
	b.WriteByte(0x1f)
	b.WriteString(sessionID)

	h := murmur3.New128()
	h.Write([]byte(b.String()))
	return SyntheticPrefix + hex.EncodeToString(h.Sum(nil))
}

// IdentityFunc returns the identity key of an event.
type IdentityFunc func(tables.StagedEvent) string

// EventID is the default identity: the (possibly synthesized) event_id.
func EventID(e tables.StagedEvent) string { return e.EventID }

// Stats describes one Apply call.
type Stats struct {
	Input               int `json:"input"`
	Kept                int `json:"kept"`
	BatchDuplicates     int `json:"batch_duplicates"`
	CommittedDuplicates int `json:"committed_duplicates"`
	// Replaced counts kept rows superseded by a later-ingested duplicate.
	Replaced int `json:"replaced"`
}

// Dropped is the number of rows removed.
func (s Stats) Dropped() int { return s.BatchDuplicates + s.CommittedDuplicates }

// Deduplicator keeps one event per identity key.
type Deduplicator struct {
	Identity IdentityFunc
}

// New returns a deduplicator using identity, or EventID when nil.
func New(identity IdentityFunc) *Deduplicator {
	if identity == nil {
		identity = EventID
	}
	return &Deduplicator{Identity: identity}
}

// Apply merges incoming events into the already-committed rows of one
// partition. Committed rows count as encountered first. For duplicate
// identities the row with the latest IngestedAt wins; on a tie the first
// encountered row stays. The result keeps encounter order, with a replaced
// row staying in the slot of the row it replaced. Inputs are not modified.
func (d *Deduplicator) Apply(committed, incoming []tables.StagedEvent) ([]tables.StagedEvent, Stats) {
	identity := d.Identity
	if identity == nil {
		identity = EventID
	}

	stats := Stats{Input: len(incoming)}
	out := make([]tables.StagedEvent, 0, len(committed)+len(incoming))
	slot := make(map[string]int, len(committed)+len(incoming))
	fromCommitted := make(map[string]bool, len(committed))

	add := func(e tables.StagedEvent, isCommitted bool) {
		id := identity(e)
		i, seen := slot[id]
		if !seen {
			slot[id] = len(out)
			out = append(out, e)
			fromCommitted[id] = isCommitted
			return
		}
		if !isCommitted {
			if fromCommitted[id] {
				stats.CommittedDuplicates++
			} else {
				stats.BatchDuplicates++
			}
		}
		if e.IngestedAt.After(out[i].IngestedAt) {
			out[i] = e
			stats.Replaced++
		}
	}

	for _, e := range committed {
		add(e, true)
	}
	for _, e := range incoming {
		add(e, false)
	}

	stats.Kept = len(out)
	return out, stats
}

