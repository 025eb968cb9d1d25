package hls

import (
	"fmt"
	"math"
	"time"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
)

// PlaylistContentType is the media type of rendered manifests.
const PlaylistContentType = "application/vnd.apple.mpegurl"

// SegmentContentType is the media type of segment payloads.
const SegmentContentType = "video/mp2t"

// Segment is a finalized, immutable chunk of packaged media.
type Segment struct {
	Sequence  int64
	Duration  time.Duration
	Data      []byte
	CreatedAt time.Time
}

// SegmentRef is a manifest entry.
type SegmentRef struct {
	Sequence int64         `json:"sequence"`
	Duration time.Duration `json:"duration"`
	Size     int           `json:"size"`
}

// Manifest is an immutable snapshot of the most recent segments of a stream,
// ordered by sequence ascending with no gaps.
type Manifest struct {
	Key            string
	TargetDuration time.Duration
	Segments       []SegmentRef
	// Ended is set once the publisher is gone and no more segments will follow.
	Ended bool
}

// MediaSequence returns the sequence number of the first listed segment, or
// 0 when the manifest is empty.
func (m Manifest) MediaSequence() int64 {
	if len(m.Segments) == 0 {
		return 0
	}
	return m.Segments[0].Sequence
}

// Contains reports whether seq is listed in the manifest.
func (m Manifest) Contains(seq int64) bool {
	if len(m.Segments) == 0 {
		return false
	}
	first := m.Segments[0].Sequence
	return seq >= first && seq < first+int64(len(m.Segments))
}

// SegmentURI is the default URI for a segment, relative to the manifest.
func SegmentURI(seq int64) string {
	return fmt.Sprintf("segment/%d.ts", seq)
}

// Playlist renders the manifest as an HLS media playlist. uri maps a segment
// number to its URI; nil means SegmentURI. #EXT-X-ENDLIST is emitted when
// the manifest has ended.
func (m Manifest) Playlist(uri func(seq int64) string) ([]byte, error) {
	if uri == nil {
		uri = SegmentURI
	}

	pl := &playlist.Media{
		Version:        3,
		TargetDuration: targetDurationSeconds(m.Segments, m.TargetDuration),
		MediaSequence:  int(m.MediaSequence()),
		Endlist:        m.Ended,
	}
	for _, seg := range m.Segments {
		pl.Segments = append(pl.Segments, &playlist.MediaSegment{
			Duration: seg.Duration,
			URI:      uri(seg.Sequence),
		})
	}

	return pl.Marshal()
}

// targetDurationSeconds returns the HLS #EXT-X-TARGETDURATION value: the
// ceiling of the maximum segment duration in seconds, never below the
// configured target or 1.
func targetDurationSeconds(segments []SegmentRef, configured time.Duration) int {
	max := configured.Seconds()
	for _, seg := range segments {
		if d := seg.Duration.Seconds(); d > max {
			max = d
		}
	}
	if max <= 0 {
		return 1
	}
	return int(math.Ceil(max))
}
