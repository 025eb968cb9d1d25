// Package hls cuts a live frame stream into MPEG-TS segments and keeps a
// bounded ring of finalized segments plus a rolling HLS manifest.
package hls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"hls-gateway/internal/media"
)

// Defaults applied by NewSegmenter to zero Config fields.
const (
	DefaultTargetDuration  = 4 * time.Second
	DefaultWindowSize      = 6
	DefaultMaxSegments     = 10
	DefaultMaxSegmentBytes = 32 << 20
)

var (
	// ErrNotFound is returned for segments that were evicted or never produced.
	ErrNotFound = errors.New("segment not found")

	// ErrClosed is returned when writing to a flushed or closed segmenter.
	ErrClosed = errors.New("segmenter closed")

	// ErrLateFrame is returned for frames whose decode timestamp is earlier
	// than the previous frame of the same kind. The frame is dropped.
	ErrLateFrame = errors.New("frame timestamp went backwards")

	// ErrAwaitingKeyframe is returned for video-stream frames that arrive
	// before the first keyframe. The frame is dropped.
	ErrAwaitingKeyframe = errors.New("waiting for first keyframe")

	// ErrResourceExhausted is returned when the open segment has reached its
	// size limit. Frames are rejected until the next cut point.
	ErrResourceExhausted = errors.New("segment size limit reached")
)

// Segmenter packages the frames of one stream into segments. Implementations
// must accept WriteFrame/Flush from a single writer while serving the read
// methods concurrently.
type Segmenter interface {
	// WriteFrame appends a frame to the open segment, finalizing it first
	// when the target duration has been reached at a safe cut point.
	WriteFrame(f *media.Frame) error
	// Flush finalizes the open segment, possibly short, and ends the stream.
	Flush() error
	// Close releases the segmenter and wakes every waiter.
	Close()

	CurrentManifest() Manifest
	SegmentByNumber(seq int64) (*Segment, error)
	// WaitSegment is SegmentByNumber that blocks for the next not yet
	// produced segment until it appears, ctx ends, or the segmenter closes.
	WaitSegment(ctx context.Context, seq int64) (*Segment, error)
	Stats() Stats
}

// Observer is notified of segment lifecycle events.
type Observer interface {
	SegmentFinalized(key string, d time.Duration, size int)
	SegmentEvicted(key string)
}

// Stats is a point-in-time summary of a segmenter.
type Stats struct {
	Retained      int   `json:"segment_count"`
	FirstSequence int64 `json:"first_sequence"`
	LastSequence  int64 `json:"last_sequence"`
	Finalized     int64 `json:"segments_finalized"`
	NextSequence  int64 `json:"next_sequence"`
	Ended         bool  `json:"ended"`
	Closed        bool  `json:"closed"`
}

// Config configures a LiveSegmenter. FirstSequence numbers the first
// segment; continuing the previous publish session's numbering keeps the
// segment URIs of a key unique.
type Config struct {
	Key             string
	Codecs          media.CodecParams
	FirstSequence   int64
	TargetDuration  time.Duration
	WindowSize      int
	MaxSegments     int
	MaxSegmentBytes int
	NewPackager     PackagerFactory
	Observer        Observer
	Log             *slog.Logger
}

type openSegment struct {
	start    time.Duration
	pkg      Packager
	size     int
	frames   int
	lastDTS  time.Duration
	interval time.Duration
}

// LiveSegmenter is the in-process Segmenter. Packaging happens under
// writeMu; the ring, manifest cache and waiter channel are guarded by mu,
// which is held only while they change or are read.
type LiveSegmenter struct {
	cfg Config
	log *slog.Logger

	writeMu  sync.Mutex
	open     *openSegment
	lastDTS  map[media.Kind]time.Duration
	interval time.Duration
	nextSeq  int64

	mu        sync.RWMutex
	ring      []*Segment
	manifest  *Manifest
	finalized int64
	ended     bool
	closed    bool
	changed   chan struct{}
}

var _ Segmenter = (*LiveSegmenter)(nil)

// NewSegmenter returns a LiveSegmenter. Zero config fields take defaults;
// WindowSize is capped at MaxSegments.
func NewSegmenter(cfg Config) *LiveSegmenter {
	if cfg.TargetDuration <= 0 {
		cfg.TargetDuration = DefaultTargetDuration
	}
	if cfg.MaxSegments <= 0 {
		cfg.MaxSegments = DefaultMaxSegments
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.WindowSize > cfg.MaxSegments {
		cfg.WindowSize = cfg.MaxSegments
	}
	if cfg.MaxSegmentBytes <= 0 {
		cfg.MaxSegmentBytes = DefaultMaxSegmentBytes
	}
	if cfg.NewPackager == nil {
		cfg.NewPackager = NewTSPackager
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	return &LiveSegmenter{
		cfg:     cfg,
		nextSeq: cfg.FirstSequence,
		log:     log.With("component", "segmenter", "key", cfg.Key),
		lastDTS: make(map[media.Kind]time.Duration),
		changed: make(chan struct{}),
	}
}

// WriteFrame implements Segmenter.
func (s *LiveSegmenter) WriteFrame(f *media.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.isDone() {
		return ErrClosed
	}
	if last, ok := s.lastDTS[f.Kind]; ok && f.DTS < last {
		return fmt.Errorf("%w: %s dts %v < %v", ErrLateFrame, f.Kind, f.DTS, last)
	}

	cut := s.isCutPoint(f)
	if s.open == nil && s.cfg.Codecs.HasVideo() && !cut {
		return ErrAwaitingKeyframe
	}
	starts := s.open == nil || (cut && f.DTS-s.open.start >= s.cfg.TargetDuration)

	// Checked before cutting: a rejected cut frame must not leave a new
	// segment that starts without it.
	size := f.Size()
	if !starts {
		size += s.open.size
	}
	if size > s.cfg.MaxSegmentBytes {
		return ErrResourceExhausted
	}

	if starts {
		if s.open != nil {
			if err := s.finalize(f.DTS); err != nil {
				return err
			}
		}
		if err := s.openSegment(f.DTS); err != nil {
			return err
		}
	}
	if err := s.open.pkg.WriteFrame(f); err != nil {
		return fmt.Errorf("package %s frame: %w", f.Kind, err)
	}

	if last, ok := s.lastDTS[f.Kind]; ok && s.isTimelineKind(f.Kind) {
		s.interval = f.DTS - last
	}
	s.lastDTS[f.Kind] = f.DTS
	s.open.size += f.Size()
	s.open.frames++
	if s.isTimelineKind(f.Kind) {
		s.open.lastDTS = f.DTS
	}
	return nil
}

// Flush implements Segmenter. The final segment ends one frame interval
// after its last frame.
func (s *LiveSegmenter) Flush() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.isDone() {
		return nil
	}

	var err error
	if s.open != nil && s.open.frames > 0 {
		end := s.open.lastDTS + s.interval
		if end <= s.open.start {
			end = s.open.start + time.Millisecond
		}
		err = s.finalize(end)
	}

	s.mu.Lock()
	s.ended = true
	s.manifest = nil
	s.broadcastLocked()
	s.mu.Unlock()

	s.log.Debug("segmenter flushed", "next_sequence", s.nextSeq)
	return err
}

// Close implements Segmenter. Any open segment that was not flushed is discarded.
func (s *LiveSegmenter) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.manifest = nil
	close(s.changed)
}

// CurrentManifest implements Segmenter. The manifest is rebuilt lazily after
// the ring changes and shared between readers until the next change.
func (s *LiveSegmenter) CurrentManifest() Manifest {
	s.mu.RLock()
	if m := s.manifest; m != nil {
		s.mu.RUnlock()
		return *m
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.manifest == nil {
		s.manifest = s.buildManifestLocked()
	}
	return *s.manifest
}

func (s *LiveSegmenter) buildManifestLocked() *Manifest {
	window := s.ring
	if len(window) > s.cfg.WindowSize {
		window = window[len(window)-s.cfg.WindowSize:]
	}
	refs := make([]SegmentRef, 0, len(window))
	for _, seg := range window {
		refs = append(refs, SegmentRef{Sequence: seg.Sequence, Duration: seg.Duration, Size: len(seg.Data)})
	}
	return &Manifest{
		Key:            s.cfg.Key,
		TargetDuration: s.cfg.TargetDuration,
		Segments:       refs,
		Ended:          s.ended,
	}
}

// SegmentByNumber implements Segmenter.
func (s *LiveSegmenter) SegmentByNumber(seq int64) (*Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookupLocked(seq)
}

func (s *LiveSegmenter) lookupLocked(seq int64) (*Segment, error) {
	if len(s.ring) == 0 {
		return nil, ErrNotFound
	}
	first := s.ring[0].Sequence
	if seq < first || seq >= first+int64(len(s.ring)) {
		return nil, ErrNotFound
	}
	return s.ring[seq-first], nil
}

// WaitSegment implements Segmenter. Only the next segment to be produced,
// or the one after it, is waited for; anything else fails immediately.
func (s *LiveSegmenter) WaitSegment(ctx context.Context, seq int64) (*Segment, error) {
	for {
		s.mu.RLock()
		seg, err := s.lookupLocked(seq)
		produced := s.cfg.FirstSequence + s.finalized
		done := s.ended || s.closed
		ch := s.changed
		s.mu.RUnlock()

		if err == nil {
			return seg, nil
		}
		if done || seq < produced || seq > produced+1 {
			return nil, ErrNotFound
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrNotFound, ctx.Err())
		}
	}
}

// Stats implements Segmenter.
func (s *LiveSegmenter) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Retained:      len(s.ring),
		FirstSequence: -1,
		LastSequence:  -1,
		Finalized:     s.finalized,
		NextSequence:  s.cfg.FirstSequence + s.finalized,
		Ended:         s.ended,
		Closed:        s.closed,
	}
	if n := len(s.ring); n > 0 {
		st.FirstSequence = s.ring[0].Sequence
		st.LastSequence = s.ring[n-1].Sequence
	}
	return st
}

func (s *LiveSegmenter) isDone() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ended || s.closed
}

// isTimelineKind reports whether frames of kind k define segment boundaries:
// video when the stream has video, otherwise audio.
func (s *LiveSegmenter) isTimelineKind(k media.Kind) bool {
	if s.cfg.Codecs.HasVideo() {
		return k == media.KindVideo
	}
	return k == media.KindAudio
}

func (s *LiveSegmenter) isCutPoint(f *media.Frame) bool {
	if !s.isTimelineKind(f.Kind) {
		return false
	}
	return f.Kind == media.KindAudio || f.IsKeyframe
}

func (s *LiveSegmenter) openSegment(start time.Duration) error {
	pkg, err := s.cfg.NewPackager(s.cfg.Codecs)
	if err != nil {
		return fmt.Errorf("new packager: %w", err)
	}
	s.open = &openSegment{start: start, pkg: pkg, lastDTS: start}
	return nil
}

// finalize seals the open segment with the given end timestamp and
// publishes it to the ring. Caller must hold writeMu.
func (s *LiveSegmenter) finalize(end time.Duration) error {
	open := s.open
	s.open = nil

	seg := &Segment{
		Sequence:  s.nextSeq,
		Duration:  end - open.start,
		Data:      open.pkg.Bytes(),
		CreatedAt: time.Now(),
	}
	s.nextSeq++

	evicted := 0
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.ring = append(s.ring, seg)
	for len(s.ring) > s.cfg.MaxSegments {
		s.ring[0] = nil
		s.ring = s.ring[1:]
		evicted++
	}
	s.finalized++
	s.manifest = nil
	s.broadcastLocked()
	s.mu.Unlock()

	s.log.Debug("segment finalized",
		"sequence", seg.Sequence,
		"duration_ms", seg.Duration.Milliseconds(),
		"size", len(seg.Data),
		"frames", open.frames,
	)
	if obs := s.cfg.Observer; obs != nil {
		obs.SegmentFinalized(s.cfg.Key, seg.Duration, len(seg.Data))
		for i := 0; i < evicted; i++ {
			obs.SegmentEvicted(s.cfg.Key)
		}
	}
	return nil
}

// broadcastLocked wakes every waiter. Caller must hold mu for writing.
func (s *LiveSegmenter) broadcastLocked() {
	if s.closed {
		return
	}
	close(s.changed)
	s.changed = make(chan struct{})
}
