package hls

import (
	"bytes"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"hls-gateway/internal/media"
)

// MPEG-TS packet identifiers for the two elementary streams.
const (
	videoPID = 0x0100
	audioPID = 0x0101
)

// Packager turns the frames of one segment into a segment payload.
type Packager interface {
	WriteFrame(f *media.Frame) error
	// Bytes returns the packaged payload. The packager must not be used afterwards.
	Bytes() []byte
}

// PackagerFactory creates a Packager for a new segment.
type PackagerFactory func(codecs media.CodecParams) (Packager, error)

// TSPackager writes frames into a self-contained MPEG-TS segment: each
// segment starts with its own PAT/PMT so it can be decoded independently.
type TSPackager struct {
	buf    bytes.Buffer
	w      *mpegts.Writer
	video  *mpegts.Track
	audio  *mpegts.Track
	codecs media.CodecParams
}

// NewTSPackager is the default PackagerFactory.
func NewTSPackager(codecs media.CodecParams) (Packager, error) {
	p := &TSPackager{codecs: codecs}

	var tracks []*mpegts.Track
	if codecs.HasVideo() {
		p.video = &mpegts.Track{PID: videoPID, Codec: &mpegts.CodecH264{}}
		tracks = append(tracks, p.video)
	}
	if codecs.HasAudio() {
		conf := codecs.AudioConfig
		if conf == nil {
			conf = &mpeg4audio.AudioSpecificConfig{
				Type:         mpeg4audio.ObjectTypeAACLC,
				SampleRate:   48000,
				ChannelCount: 2,
			}
		}
		p.audio = &mpegts.Track{PID: audioPID, Codec: &mpegts.CodecMPEG4Audio{Config: *conf}}
		tracks = append(tracks, p.audio)
	}
	if len(tracks) == 0 {
		return nil, fmt.Errorf("no tracks to package")
	}

	p.w = &mpegts.Writer{W: &p.buf, Tracks: tracks}
	if err := p.w.Initialize(); err != nil {
		return nil, fmt.Errorf("initializing mpegts writer: %w", err)
	}
	return p, nil
}

// WriteFrame implements Packager.
func (p *TSPackager) WriteFrame(f *media.Frame) error {
	pts := media.ToMPEGTSClock(f.PTS)
	dts := media.ToMPEGTSClock(f.DTS)

	switch f.Kind {
	case media.KindVideo:
		if p.video == nil {
			return fmt.Errorf("stream has no video track")
		}
		au := f.NALUs
		if f.IsKeyframe {
			au = withParameterSets(au, p.codecs.SPS, p.codecs.PPS)
		}
		return p.w.WriteH264(p.video, pts, dts, au)
	case media.KindAudio:
		if p.audio == nil {
			return fmt.Errorf("stream has no audio track")
		}
		return p.w.WriteMPEG4Audio(p.audio, pts, [][]byte{f.Payload})
	default:
		return fmt.Errorf("unknown frame kind %d", f.Kind)
	}
}

// Bytes implements Packager.
func (p *TSPackager) Bytes() []byte {
	return p.buf.Bytes()
}

// withParameterSets prepends SPS/PPS to a keyframe unless the access unit
// already carries them, so every segment is decodable on its own.
func withParameterSets(au [][]byte, sps, pps []byte) [][]byte {
	if len(sps) == 0 || len(pps) == 0 {
		return au
	}
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		if h264.NALUType(nalu[0]&0x1F) == h264.NALUTypeSPS {
			return au
		}
	}
	out := make([][]byte, 0, len(au)+2)
	out = append(out, sps, pps)
	return append(out, au...)
}
