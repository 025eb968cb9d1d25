package hls

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hls-gateway/internal/media"
)

const frameInterval = 40 * time.Millisecond

var testCodecs = media.CodecParams{
	Video: media.VideoH264,
	SPS:   []byte{0x67, 0x42, 0xc0, 0x1e, 0xd9, 0x00, 0xa0, 0x47, 0xfe, 0xc8},
	PPS:   []byte{0x68, 0xce, 0x3c, 0x80},
	Audio: media.AudioAAC,
	AudioConfig: &mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectTypeAACLC,
		SampleRate:   48000,
		ChannelCount: 2,
	},
}

func videoFrame(dts time.Duration, key bool) *media.Frame {
	nalu := []byte{0x41, 0x9a, 0x02, 0x03}
	if key {
		nalu = []byte{0x65, 0x88, 0x84, 0x00}
	}
	return &media.Frame{Kind: media.KindVideo, DTS: dts, PTS: dts, IsKeyframe: key, NALUs: [][]byte{nalu}}
}

func audioFrame(dts time.Duration) *media.Frame {
	return &media.Frame{Kind: media.KindAudio, DTS: dts, PTS: dts, Payload: []byte{0x21, 0x10, 0x05, 0x00}}
}

// feedVideo writes n video frames at frameInterval spacing, with a keyframe
// every keyEvery frames, starting at dts 0.
func feedVideo(t *testing.T, s Segmenter, n, keyEvery int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, s.WriteFrame(videoFrame(time.Duration(i)*frameInterval, i%keyEvery == 0)))
	}
}

type recordingObserver struct {
	mu        sync.Mutex
	finalized []time.Duration
	evicted   int
}

func (o *recordingObserver) SegmentFinalized(_ string, d time.Duration, _ int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finalized = append(o.finalized, d)
}

func (o *recordingObserver) SegmentEvicted(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.evicted++
}

func TestSegmenter_contiguous_and_duration_preserving(t *testing.T) {
	obs := &recordingObserver{}
	s := NewSegmenter(Config{
		Key:            "cam1",
		Codecs:         testCodecs,
		TargetDuration: 2 * time.Second,
		MaxSegments:    100,
		WindowSize:     100,
		Observer:       obs,
	})

	const frames = 437
	feedVideo(t, s, frames, 25)
	require.NoError(t, s.Flush())

	m := s.CurrentManifest()
	require.NotEmpty(t, m.Segments)
	assert.True(t, m.Ended)

	var total time.Duration
	for i, ref := range m.Segments {
		assert.Equal(t, int64(i), ref.Sequence, "segments must be contiguous from 0")
		assert.Positive(t, ref.Size)
		total += ref.Duration
	}
	assert.Equal(t, time.Duration(frames)*frameInterval, total)
	assert.Len(t, obs.finalized, len(m.Segments))
}

func TestSegmenter_cuts_only_on_keyframes(t *testing.T) {
	s := NewSegmenter(Config{Codecs: testCodecs, TargetDuration: time.Second, MaxSegments: 50, WindowSize: 50})

	// Keyframe every 3s with a 1s target: each segment spans exactly one GOP.
	feedVideo(t, s, 300, 75)
	require.NoError(t, s.Flush())

	for _, ref := range s.CurrentManifest().Segments {
		assert.Equal(t, 3*time.Second, ref.Duration)
	}
}

func TestSegmenter_scenario_ten_seconds_six_second_target(t *testing.T) {
	s := NewSegmenter(Config{Key: "cam1", Codecs: testCodecs, TargetDuration: 6 * time.Second})

	// 10s at 25fps, one keyframe per 2s.
	feedVideo(t, s, 250, 50)
	require.NoError(t, s.Flush())

	m := s.CurrentManifest()
	require.GreaterOrEqual(t, len(m.Segments), 1)
	require.LessOrEqual(t, len(m.Segments), 2)
	for _, ref := range m.Segments {
		assert.LessOrEqual(t, ref.Duration, 6*time.Second+frameInterval)
	}
}

func TestSegmenter_eviction(t *testing.T) {
	obs := &recordingObserver{}
	s := NewSegmenter(Config{
		Codecs:         testCodecs,
		TargetDuration: time.Second,
		MaxSegments:    3,
		WindowSize:     2,
		Observer:       obs,
	})

	// Keyframe every second: 9 cuts -> segments 0..8 finalized, 9 open.
	feedVideo(t, s, 9*25+1, 25)

	st := s.Stats()
	assert.Equal(t, int64(9), st.Finalized)
	assert.Equal(t, 3, st.Retained)
	assert.Equal(t, int64(6), st.FirstSequence)
	assert.Equal(t, int64(8), st.LastSequence)
	assert.Equal(t, 6, obs.evicted)

	for seq := int64(0); seq < 6; seq++ {
		_, err := s.SegmentByNumber(seq)
		assert.ErrorIs(t, err, ErrNotFound, "segment %d should be evicted", seq)
	}
	seg, err := s.SegmentByNumber(7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), seg.Sequence)

	m := s.CurrentManifest()
	require.Len(t, m.Segments, 2)
	assert.Equal(t, int64(7), m.MediaSequence())
	for seq := int64(0); seq < 7; seq++ {
		assert.False(t, m.Contains(seq))
	}
}

func TestSegmenter_manifest_never_lists_evicted_segments(t *testing.T) {
	s := NewSegmenter(Config{Codecs: testCodecs, TargetDuration: time.Second, MaxSegments: 4, WindowSize: 4})

	for i := 0; i < 40*25; i++ {
		require.NoError(t, s.WriteFrame(videoFrame(time.Duration(i)*frameInterval, i%25 == 0)))
		m := s.CurrentManifest()
		for _, ref := range m.Segments {
			_, err := s.SegmentByNumber(ref.Sequence)
			require.NoError(t, err, "manifest lists segment %d which is gone", ref.Sequence)
		}
	}
}

func TestSegmenter_drops_late_frames(t *testing.T) {
	s := NewSegmenter(Config{Codecs: testCodecs})

	require.NoError(t, s.WriteFrame(videoFrame(100*time.Millisecond, true)))
	err := s.WriteFrame(videoFrame(60*time.Millisecond, false))
	assert.ErrorIs(t, err, ErrLateFrame)

	// Audio has its own timeline.
	require.NoError(t, s.WriteFrame(audioFrame(80*time.Millisecond)))
	require.NoError(t, s.WriteFrame(videoFrame(140*time.Millisecond, false)))
}

func TestSegmenter_waits_for_first_keyframe(t *testing.T) {
	s := NewSegmenter(Config{Codecs: testCodecs})

	assert.ErrorIs(t, s.WriteFrame(videoFrame(0, false)), ErrAwaitingKeyframe)
	assert.ErrorIs(t, s.WriteFrame(audioFrame(0)), ErrAwaitingKeyframe)
	require.NoError(t, s.WriteFrame(videoFrame(40*time.Millisecond, true)))
	require.NoError(t, s.WriteFrame(audioFrame(41*time.Millisecond)))
}

func TestSegmenter_audio_only(t *testing.T) {
	codecs := media.CodecParams{Audio: media.AudioAAC, AudioConfig: testCodecs.AudioConfig}
	s := NewSegmenter(Config{Codecs: codecs, TargetDuration: time.Second, MaxSegments: 20, WindowSize: 20})

	const step = 21 * time.Millisecond
	for i := 0; i < 200; i++ {
		require.NoError(t, s.WriteFrame(audioFrame(time.Duration(i)*step)))
	}
	require.NoError(t, s.Flush())

	var total time.Duration
	for _, ref := range s.CurrentManifest().Segments {
		total += ref.Duration
	}
	assert.Equal(t, 200*step, total)
}

func TestSegmenter_segment_size_limit(t *testing.T) {
	s := NewSegmenter(Config{Codecs: testCodecs, TargetDuration: time.Second, MaxSegmentBytes: 10})

	require.NoError(t, s.WriteFrame(videoFrame(0, true)))
	require.NoError(t, s.WriteFrame(videoFrame(40*time.Millisecond, false)))
	assert.ErrorIs(t, s.WriteFrame(videoFrame(80*time.Millisecond, false)), ErrResourceExhausted)

	// The next keyframe past the target opens a fresh segment.
	require.NoError(t, s.WriteFrame(videoFrame(time.Second, true)))
	assert.Equal(t, int64(1), s.Stats().Finalized)
}

// firstFramePackager records whether each segment opened on a keyframe.
type firstFramePackager struct {
	starts *[]bool
	seen   bool
}

func (p *firstFramePackager) WriteFrame(f *media.Frame) error {
	if !p.seen {
		p.seen = true
		*p.starts = append(*p.starts, f.IsKeyframe)
	}
	return nil
}

func (p *firstFramePackager) Bytes() []byte { return []byte{0x47} }

func TestSegmenter_oversized_keyframe_does_not_cut(t *testing.T) {
	var starts []bool
	s := NewSegmenter(Config{
		Codecs:          testCodecs,
		TargetDuration:  time.Second,
		MaxSegmentBytes: 150,
		NewPackager: func(media.CodecParams) (Packager, error) {
			return &firstFramePackager{starts: &starts}, nil
		},
	})

	for i := 0; i < 75; i++ {
		dts := time.Duration(i) * frameInterval
		f := videoFrame(dts, i%25 == 0)
		if i == 25 {
			f.NALUs = [][]byte{append([]byte{0x65}, make([]byte, 199)...)}
			assert.ErrorIs(t, s.WriteFrame(f), ErrResourceExhausted)
			continue
		}
		// Frames past the open segment's byte budget are rejected too.
		if err := s.WriteFrame(f); err != nil {
			require.ErrorIs(t, err, ErrResourceExhausted, "frame %d", i)
		}
	}
	require.NoError(t, s.Flush())

	for i, key := range starts {
		assert.True(t, key, "segment %d starts without a keyframe", i)
	}
	m := s.CurrentManifest()
	require.Len(t, m.Segments, 2)
	assert.Equal(t, 2*time.Second, m.Segments[0].Duration, "rejected keyframe leaves the segment open")
}

func TestSegmenter_FirstSequence(t *testing.T) {
	s := NewSegmenter(Config{Codecs: testCodecs, TargetDuration: time.Second, FirstSequence: 7})

	assert.EqualValues(t, 7, s.Stats().NextSequence)
	feedVideo(t, s, 51, 25)

	m := s.CurrentManifest()
	require.Len(t, m.Segments, 2)
	assert.EqualValues(t, 7, m.Segments[0].Sequence)
	assert.EqualValues(t, 7, m.MediaSequence())
	assert.EqualValues(t, 9, s.Stats().NextSequence)

	_, err := s.SegmentByNumber(0)
	assert.ErrorIs(t, err, ErrNotFound)

	// The next unproduced segment is 9, so waiting on it is allowed.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.WaitSegment(ctx, 9)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSegmenter_flush_short_final_segment(t *testing.T) {
	s := NewSegmenter(Config{Codecs: testCodecs, TargetDuration: 6 * time.Second})

	feedVideo(t, s, 30, 50)
	assert.Empty(t, s.CurrentManifest().Segments, "nothing finalized mid-segment")

	require.NoError(t, s.Flush())
	m := s.CurrentManifest()
	require.Len(t, m.Segments, 1)
	assert.Equal(t, 30*frameInterval, m.Segments[0].Duration)
	assert.True(t, m.Ended)

	assert.ErrorIs(t, s.WriteFrame(videoFrame(2*time.Second, true)), ErrClosed)
	require.NoError(t, s.Flush(), "second flush is a no-op")
}

func TestSegmenter_WaitSegment(t *testing.T) {
	t.Run("wakes_on_finalize", func(t *testing.T) {
		s := NewSegmenter(Config{Codecs: testCodecs, TargetDuration: time.Second})
		feedVideo(t, s, 10, 25)

		got := make(chan *Segment, 1)
		go func() {
			seg, err := s.WaitSegment(context.Background(), 0)
			if err == nil {
				got <- seg
			}
			close(got)
		}()

		time.Sleep(20 * time.Millisecond)
		require.NoError(t, s.WriteFrame(videoFrame(time.Second, true)))

		select {
		case seg := <-got:
			require.NotNil(t, seg)
			assert.Equal(t, int64(0), seg.Sequence)
		case <-time.After(2 * time.Second):
			t.Fatal("waiter was not woken by finalize")
		}
	})

	t.Run("times_out", func(t *testing.T) {
		s := NewSegmenter(Config{Codecs: testCodecs})
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()

		_, err := s.WaitSegment(ctx, 0)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.True(t, errors.Is(err, ErrNotFound) && ctx.Err() != nil)
	})

	t.Run("cancelled_by_close", func(t *testing.T) {
		s := NewSegmenter(Config{Codecs: testCodecs})

		errCh := make(chan error, 1)
		go func() {
			_, err := s.WaitSegment(context.Background(), 0)
			errCh <- err
		}()

		time.Sleep(20 * time.Millisecond)
		s.Close()

		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, ErrNotFound)
		case <-time.After(2 * time.Second):
			t.Fatal("waiter was not released by Close")
		}
	})

	t.Run("far_future_fails_fast", func(t *testing.T) {
		s := NewSegmenter(Config{Codecs: testCodecs})
		_, err := s.WaitSegment(context.Background(), 5)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSegmenter_concurrent_readers(t *testing.T) {
	s := NewSegmenter(Config{Codecs: testCodecs, TargetDuration: 200 * time.Millisecond, MaxSegments: 3, WindowSize: 3})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				m := s.CurrentManifest()
				for j := 1; j < len(m.Segments); j++ {
					if m.Segments[j].Sequence != m.Segments[j-1].Sequence+1 {
						t.Errorf("non-contiguous manifest: %+v", m.Segments)
						return
					}
				}
				_, _ = s.SegmentByNumber(m.MediaSequence())
			}
		}()
	}

	feedVideo(t, s, 500, 5)
	cancel()
	wg.Wait()
	s.Close()
}

func TestTSPackager_output_is_transport_stream(t *testing.T) {
	p, err := NewTSPackager(testCodecs)
	require.NoError(t, err)

	require.NoError(t, p.WriteFrame(videoFrame(0, true)))
	require.NoError(t, p.WriteFrame(audioFrame(10*time.Millisecond)))
	require.NoError(t, p.WriteFrame(videoFrame(40*time.Millisecond, false)))

	data := p.Bytes()
	require.NotEmpty(t, data)
	assert.Zero(t, len(data)%188, "TS output must be whole packets")
	for off := 0; off < len(data); off += 188 {
		require.Equal(t, byte(0x47), data[off], "sync byte at packet %d", off/188)
	}
}

func TestWithParameterSets(t *testing.T) {
	sps, pps := testCodecs.SPS, testCodecs.PPS
	idr := []byte{0x65, 0x01}

	out := withParameterSets([][]byte{idr}, sps, pps)
	assert.Equal(t, [][]byte{sps, pps, idr}, out)

	already := [][]byte{sps, pps, idr}
	assert.Equal(t, already, withParameterSets(already, sps, pps))

	assert.Equal(t, [][]byte{idr}, withParameterSets([][]byte{idr}, nil, nil))
}

func TestManifest_Playlist(t *testing.T) {
	m := Manifest{
		Key:            "cam1",
		TargetDuration: 2 * time.Second,
		Segments: []SegmentRef{
			{Sequence: 38, Duration: 2 * time.Second},
			{Sequence: 39, Duration: 2500 * time.Millisecond},
			{Sequence: 40, Duration: 2 * time.Second},
		},
	}

	raw, err := m.Playlist(nil)
	require.NoError(t, err)

	pl, err := playlist.Unmarshal(raw)
	require.NoError(t, err)
	mp, ok := pl.(*playlist.Media)
	require.True(t, ok, "expected a media playlist")

	assert.Equal(t, 38, mp.MediaSequence)
	assert.Equal(t, 3, mp.TargetDuration)
	assert.False(t, mp.Endlist)
	require.Len(t, mp.Segments, 3)
	assert.Equal(t, "segment/38.ts", mp.Segments[0].URI)
	assert.Equal(t, 2500*time.Millisecond, mp.Segments[1].Duration)

	m.Ended = true
	raw, err = m.Playlist(func(seq int64) string { return "x.ts" })
	require.NoError(t, err)
	pl, err = playlist.Unmarshal(raw)
	require.NoError(t, err)
	assert.True(t, pl.(*playlist.Media).Endlist)
}

func TestTargetDurationSeconds(t *testing.T) {
	assert.Equal(t, 1, targetDurationSeconds(nil, 0))
	assert.Equal(t, 4, targetDurationSeconds(nil, 4*time.Second))
	assert.Equal(t, 7, targetDurationSeconds([]SegmentRef{{Duration: 6100 * time.Millisecond}}, 6*time.Second))
}

func TestManifest_Contains(t *testing.T) {
	m := Manifest{Segments: []SegmentRef{{Sequence: 5}, {Sequence: 6}}}
	assert.True(t, m.Contains(5))
	assert.True(t, m.Contains(6))
	assert.False(t, m.Contains(4))
	assert.False(t, m.Contains(7))
	assert.False(t, Manifest{}.Contains(0))
	assert.Equal(t, int64(0), Manifest{}.MediaSequence())
}
