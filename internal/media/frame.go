// Package media defines the frame and codec types that flow from ingest
// sessions into segmenters.
package media

import (
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
)

// Kind tells audio and video frames apart.
type Kind uint8

// Frame kinds.
const (
	KindAudio Kind = iota + 1
	KindVideo
)

func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	default:
		return "unknown"
	}
}

// Frame is one timestamped access unit. Video frames carry their NAL units
// without start codes; audio frames carry one raw AAC access unit.
type Frame struct {
	Kind       Kind
	PTS        time.Duration
	DTS        time.Duration
	IsKeyframe bool
	NALUs      [][]byte
	Payload    []byte
}

// Size returns the number of payload bytes carried by the frame.
func (f *Frame) Size() int {
	if f.Kind == KindVideo {
		n := 0
		for _, nalu := range f.NALUs {
			n += len(nalu)
		}
		return n
	}
	return len(f.Payload)
}

// VideoCodec identifies the video elementary stream codec.
type VideoCodec uint8

// Supported video codecs.
const (
	VideoNone VideoCodec = iota
	VideoH264
)

func (c VideoCodec) String() string {
	if c == VideoH264 {
		return "h264"
	}
	return ""
}

// AudioCodec identifies the audio elementary stream codec.
type AudioCodec uint8

// Supported audio codecs.
const (
	AudioNone AudioCodec = iota
	AudioAAC
)

func (c AudioCodec) String() string {
	if c == AudioAAC {
		return "aac"
	}
	return ""
}

// CodecParams are negotiated at handshake time and never change for the
// lifetime of a session.
type CodecParams struct {
	Video VideoCodec
	SPS   []byte
	PPS   []byte

	Audio       AudioCodec
	AudioConfig *mpeg4audio.AudioSpecificConfig
}

// HasVideo reports whether the session carries a video track.
func (p CodecParams) HasVideo() bool { return p.Video != VideoNone }

// HasAudio reports whether the session carries an audio track.
func (p CodecParams) HasAudio() bool { return p.Audio != AudioNone }

// Describe returns a short human readable codec summary, e.g. "h264+aac".
func (p CodecParams) Describe() string {
	switch {
	case p.HasVideo() && p.HasAudio():
		return p.Video.String() + "+" + p.Audio.String()
	case p.HasVideo():
		return p.Video.String()
	case p.HasAudio():
		return p.Audio.String()
	default:
		return ""
	}
}

// IsRandomAccess reports whether a video access unit can start decoding on
// its own (contains an IDR slice).
func IsRandomAccess(nalus [][]byte) bool {
	return h264.IsRandomAccess(nalus)
}

// ToMPEGTSClock converts a timestamp to the 90kHz MPEG-TS clock.
func ToMPEGTSClock(d time.Duration) int64 {
	return int64(d) * 90000 / int64(time.Second)
}
