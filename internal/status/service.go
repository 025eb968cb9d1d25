// Package status reports what is currently live.
package status

import (
	"time"

	"hls-gateway/internal/registry"
	"hls-gateway/internal/stream"
)

// StreamStatus is the externally visible state of one live stream.
type StreamStatus struct {
	stream.Info
	SegmentCount      int   `json:"segment_count"`
	FirstSequence     int64 `json:"first_sequence"`
	SegmentsFinalized int64 `json:"segments_finalized"`
	Ended             bool  `json:"ended"`
}

// Report is the body of GET /status.
type Report struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Active      int            `json:"active"`
	Streams     []StreamStatus `json:"streams"`
}

// Service builds status snapshots from the registry. It only reads
// counters and segmenter stats, so it never waits on ingest.
type Service struct {
	reg registry.Registry
}

// NewService returns a Service reading from reg.
func NewService(reg registry.Registry) *Service {
	return &Service{reg: reg}
}

// Snapshot returns the status of every live stream, sorted by key.
func (s *Service) Snapshot() []StreamStatus {
	entries := s.reg.Snapshot()
	out := make([]StreamStatus, 0, len(entries))
	for _, e := range entries {
		st := e.Segmenter.Stats()
		out = append(out, StreamStatus{
			Info:              e.Session.Info(),
			SegmentCount:      st.Retained,
			FirstSequence:     st.FirstSequence,
			SegmentsFinalized: st.Finalized,
			Ended:             st.Ended,
		})
	}
	return out
}

// Report wraps Snapshot with a timestamp and count.
func (s *Service) Report() Report {
	streams := s.Snapshot()
	return Report{
		GeneratedAt: time.Now().UTC(),
		Active:      len(streams),
		Streams:     streams,
	}
}
