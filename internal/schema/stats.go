package schema

import "sort"

// Stats counts validation outcomes for a batch or partition.
type Stats struct {
	Accepted int64                `json:"accepted"`
	Rejected int64                `json:"rejected"`
	ByReason map[ReasonCode]int64 `json:"by_reason,omitempty"`
}

// Observe records one validation outcome. A nil err counts as accepted.
func (s *Stats) Observe(err error) {
	if err == nil {
		s.Accepted++
		return
	}
	s.Reject(ReasonOf(err))
}

// Reject records one rejection under reason.
func (s *Stats) Reject(reason ReasonCode) {
	if reason == "" {
		reason = ReasonMalformedPayload
	}
	s.Rejected++
	if s.ByReason == nil {
		s.ByReason = make(map[ReasonCode]int64)
	}
	s.ByReason[reason]++
}

// Merge adds other into s.
func (s *Stats) Merge(other Stats) {
	s.Accepted += other.Accepted
	s.Rejected += other.Rejected
	for r, n := range other.ByReason {
		if s.ByReason == nil {
			s.ByReason = make(map[ReasonCode]int64)
		}
		s.ByReason[r] += n
	}
}

// Total is the number of records observed.
func (s Stats) Total() int64 { return s.Accepted + s.Rejected }

// Reasons returns the reason codes seen, sorted.
func (s Stats) Reasons() []ReasonCode {
	out := make([]ReasonCode, 0, len(s.ByReason))
	for r := range s.ByReason {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
