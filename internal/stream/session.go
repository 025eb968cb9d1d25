// Package stream holds the per-publisher session record shared between the
// ingest layer, the registry and the status API.
package stream

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"hls-gateway/internal/media"
)

// Session describes one active publisher. Identity and codec parameters are
// fixed at construction; counters are updated by the owning ingest session
// and may be read concurrently.
type Session struct {
	ID         string
	Key        string
	RemoteAddr string
	StartedAt  time.Time
	Codecs     media.CodecParams

	live          atomic.Bool
	sequence      atomic.Int64
	bytesReceived atomic.Int64
	framesIn      atomic.Int64
	framesDropped atomic.Int64
	desyncs       atomic.Int64
}

// NewSession returns a live session record with a fresh ID.
func NewSession(key, remoteAddr string, codecs media.CodecParams) *Session {
	s := &Session{
		ID:         uuid.NewString(),
		Key:        key,
		RemoteAddr: remoteAddr,
		StartedAt:  time.Now(),
		Codecs:     codecs,
	}
	s.live.Store(true)
	s.sequence.Store(-1)
	return s
}

// RecordBytes adds n to the received byte counter.
func (s *Session) RecordBytes(n int) { s.bytesReceived.Add(int64(n)) }

// RecordFrame counts a frame accepted by the segmenter.
func (s *Session) RecordFrame() { s.framesIn.Add(1) }

// RecordDrop counts a frame dropped before packaging.
func (s *Session) RecordDrop() { s.framesDropped.Add(1) }

// RecordDesync counts a malformed message skipped by the decoder.
func (s *Session) RecordDesync() { s.desyncs.Add(1) }

// SetSequence stores the number of the most recently finalized segment.
func (s *Session) SetSequence(seq int64) { s.sequence.Store(seq) }

// MarkEnded clears the liveness flag.
func (s *Session) MarkEnded() { s.live.Store(false) }

// Live reports whether the publisher is still connected.
func (s *Session) Live() bool { return s.live.Load() }

// Info is a point-in-time copy of a Session.
type Info struct {
	ID             string    `json:"session_id"`
	Key            string    `json:"key"`
	RemoteAddr     string    `json:"remote_addr"`
	StartedAt      time.Time `json:"started_at"`
	AgeSeconds     float64   `json:"age_seconds"`
	Codecs         string    `json:"codecs"`
	Live           bool      `json:"live"`
	LastSequence   int64     `json:"last_sequence"`
	BytesReceived  int64     `json:"bytes_received"`
	FramesIngested int64     `json:"frames_ingested"`
	FramesDropped  int64     `json:"frames_dropped"`
	DesyncEvents   int64     `json:"desync_events"`
}

// Info returns a snapshot of the session's metadata and counters.
func (s *Session) Info() Info {
	return Info{
		ID:             s.ID,
		Key:            s.Key,
		RemoteAddr:     s.RemoteAddr,
		StartedAt:      s.StartedAt,
		AgeSeconds:     time.Since(s.StartedAt).Seconds(),
		Codecs:         s.Codecs.Describe(),
		Live:           s.live.Load(),
		LastSequence:   s.sequence.Load(),
		BytesReceived:  s.bytesReceived.Load(),
		FramesIngested: s.framesIn.Load(),
		FramesDropped:  s.framesDropped.Load(),
		DesyncEvents:   s.desyncs.Load(),
	}
}
