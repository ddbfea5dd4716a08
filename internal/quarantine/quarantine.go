// Package quarantine collects rejected raw records with their original
// payload and reason code. Nothing rejected during a run is dropped silently.
package quarantine

import (
	"encoding/hex"
	"errors"
	"sort"
	"strconv"
	"sync"

	"github.com/zeebo/xxh3"

	"github.com/withObsrvr/obsrvr-curator/internal/keys"
	"github.com/withObsrvr/obsrvr-curator/internal/schema"
	"github.com/withObsrvr/obsrvr-curator/internal/tables"
)

// Channel names the input a rejected record came from.
const (
	ChannelEvents  = "events"
	ChannelUsers   = tables.DimUsers
	ChannelVideos  = tables.DimVideos
	ChannelDevices = tables.DimDevices
)

// PartitionFor is the quarantine partition of a batch.
func PartitionFor(batchID string) string {
	return "batch_id=" + batchID
}

// Sink accumulates quarantined records. It is safe for concurrent use.
type Sink struct {
	mu      sync.Mutex
	batchID string
	records map[string]tables.QuarantineRecord
	stats   map[string]*schema.Stats
}

// NewSink returns an empty sink for batchID.
func NewSink(batchID string) *Sink {
	return &Sink{
		batchID: batchID,
		records: make(map[string]tables.QuarantineRecord),
		stats:   make(map[string]*schema.Stats),
	}
}

// SetBatchID stamps batchID on every record, including ones already added.
// Dimension rows are quarantined before the event batch id is known.
func (s *Sink) SetBatchID(batchID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchID = batchID
	for id, r := range s.records {
		r.BatchID = batchID
		s.records[id] = r
	}
}

// BatchID returns the batch the sink collects for.
func (s *Sink) BatchID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batchID
}

// Add quarantines one raw record. The same record (channel, source, line and
// payload) added twice is kept once. It returns the record's reason code.
func (s *Sink) Add(channel, source string, line int, payload []byte, cause error) schema.ReasonCode {
	reason, field, detail := Classify(cause)
	rec := tables.QuarantineRecord{
		RecordID:        RecordID(channel, source, line, payload),
		Channel:         channel,
		SourceFile:      source,
		SourceLine:      int64(line),
		ReasonCode:      string(reason),
		Field:           field,
		Detail:          detail,
		OriginalPayload: string(payload),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.records[rec.RecordID]; dup {
		return reason
	}
	rec.BatchID = s.batchID
	s.records[rec.RecordID] = rec
	st, ok := s.stats[channel]
	if !ok {
		st = &schema.Stats{}
		s.stats[channel] = st
	}
	st.Reject(reason)
	return reason
}

// Classify maps an error to its reason code, field, and detail.
func Classify(err error) (schema.ReasonCode, string, string) {
	var ve *schema.ValidationError
	if errors.As(err, &ve) {
		return ve.Reason, ve.Field, ve.Detail
	}
	var kc *keys.KeyTypeConflictError
	if errors.As(err, &kc) {
		return schema.ReasonKeyTypeConflict, kc.Column, kc.Error()
	}
	if err == nil {
		return schema.ReasonMalformedPayload, "", ""
	}
	return schema.ReasonMalformedPayload, "", err.Error()
}

// RecordID is a stable identifier for a raw record.
func RecordID(channel, source string, line int, payload []byte) string {
	h := xxh3.New()
	h.WriteString(channel)
	h.WriteString("\x00")
	h.WriteString(source)
	h.WriteString("\x00")
	h.WriteString(strconv.Itoa(line))
	h.WriteString("\x00")
	h.Write(payload)
	sum := h.Sum128().Bytes()
	return hex.EncodeToString(sum[:])
}

// Len is the number of distinct quarantined records.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Records returns every record ordered by channel, source file and line.
func (s *Sink) Records() []tables.QuarantineRecord {
	s.mu.Lock()
	out := make([]tables.QuarantineRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Channel != b.Channel {
			return a.Channel < b.Channel
		}
		if a.SourceFile != b.SourceFile {
			return a.SourceFile < b.SourceFile
		}
		if a.SourceLine != b.SourceLine {
			return a.SourceLine < b.SourceLine
		}
		return a.RecordID < b.RecordID
	})
	return out
}

// Stats returns rejection counts for one channel.
func (s *Sink) Stats(channel string) schema.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[channel]
	if !ok {
		return schema.Stats{}
	}
	out := schema.Stats{}
	out.Merge(*st)
	return out
}

// Channels returns the channels with at least one record, sorted.
func (s *Sink) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.stats))
	for c := range s.stats {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
