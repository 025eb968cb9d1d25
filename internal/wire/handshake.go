// Package wire implements the ingest protocol: a handshake that names the
// stream and its codecs, followed by length-prefixed media messages.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"

	"hls-gateway/internal/media"
)

// Magic opens every handshake request and reply.
const Magic = "HLSG"

// Version is the only protocol version this package speaks.
const Version uint8 = 1

var (
	// ErrHandshake is returned for handshakes that cannot be parsed or carry
	// invalid values.
	ErrHandshake = errors.New("malformed handshake")

	// ErrUnsupportedVersion is returned when the publisher asks for a protocol
	// version other than Version.
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
)

var streamKeyPattern = regexp.MustCompile(`^[A-Za-z0-9._~-]{1,128}$`)

// Handshake is the publisher's opening request.
type Handshake struct {
	Version   uint8
	StreamKey string
	Token     string
	Codecs    media.CodecParams
}

// Status is the server's verdict on a handshake.
type Status uint8

// Handshake reply statuses.
const (
	StatusOK Status = iota
	StatusUnsupportedVersion
	StatusMalformed
	StatusDuplicateStream
	StatusUnauthorized
	StatusBusy
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusUnsupportedVersion:
		return "unsupported_version"
	case StatusMalformed:
		return "malformed"
	case StatusDuplicateStream:
		return "duplicate_stream"
	case StatusUnauthorized:
		return "unauthorized"
	case StatusBusy:
		return "busy"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// NormalizeStreamKey strips a leading "/" and "live/" prefix and validates
// what remains.
func NormalizeStreamKey(key string) (string, error) {
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "live/")
	if !streamKeyPattern.MatchString(key) {
		return "", fmt.Errorf("%w: invalid stream key %q", ErrHandshake, key)
	}
	return key, nil
}

// ReadHandshake decodes a handshake request from r. The stream key is
// normalized; codec parameters are validated.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	hr := &fieldReader{r: r}

	magic := hr.bytes(len(Magic))
	version := hr.u8()
	if hr.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, hr.err)
	}
	if string(magic) != Magic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrHandshake, magic)
	}
	if version != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}

	key := string(hr.prefixed())
	token := string(hr.prefixed())
	videoCodec := media.VideoCodec(hr.u8())
	sps := hr.prefixed()
	pps := hr.prefixed()
	audioCodec := media.AudioCodec(hr.u8())
	audioConfig := hr.prefixed()
	if hr.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, hr.err)
	}

	key, err := NormalizeStreamKey(key)
	if err != nil {
		return nil, err
	}

	h := &Handshake{Version: version, StreamKey: key, Token: token}
	h.Codecs, err = parseCodecs(videoCodec, sps, pps, audioCodec, audioConfig)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func parseCodecs(vc media.VideoCodec, sps, pps []byte, ac media.AudioCodec, asc []byte) (media.CodecParams, error) {
	var p media.CodecParams

	switch vc {
	case media.VideoNone:
	case media.VideoH264:
		p.Video = vc
		p.SPS = sps
		p.PPS = pps
	default:
		return p, fmt.Errorf("%w: unknown video codec %d", ErrHandshake, vc)
	}

	switch ac {
	case media.AudioNone:
	case media.AudioAAC:
		p.Audio = ac
		conf := &mpeg4audio.AudioSpecificConfig{}
		if err := conf.Unmarshal(asc); err != nil {
			return p, fmt.Errorf("%w: audio config: %v", ErrHandshake, err)
		}
		p.AudioConfig = conf
	default:
		return p, fmt.Errorf("%w: unknown audio codec %d", ErrHandshake, ac)
	}

	if !p.HasVideo() && !p.HasAudio() {
		return p, fmt.Errorf("%w: no tracks", ErrHandshake)
	}
	return p, nil
}

// WriteHandshake encodes h onto w. A zero Version is sent as Version.
func WriteHandshake(w io.Writer, h *Handshake) error {
	version := h.Version
	if version == 0 {
		version = Version
	}

	var asc []byte
	if h.Codecs.Audio == media.AudioAAC && h.Codecs.AudioConfig != nil {
		var err error
		if asc, err = h.Codecs.AudioConfig.Marshal(); err != nil {
			return fmt.Errorf("marshal audio config: %w", err)
		}
	}

	buf := make([]byte, 0, 64+len(h.StreamKey)+len(h.Token)+len(h.Codecs.SPS)+len(h.Codecs.PPS))
	buf = append(buf, Magic...)
	buf = append(buf, version)
	buf = appendPrefixed(buf, []byte(h.StreamKey))
	buf = appendPrefixed(buf, []byte(h.Token))
	buf = append(buf, byte(h.Codecs.Video))
	buf = appendPrefixed(buf, h.Codecs.SPS)
	buf = appendPrefixed(buf, h.Codecs.PPS)
	buf = append(buf, byte(h.Codecs.Audio))
	buf = appendPrefixed(buf, asc)

	_, err := w.Write(buf)
	return err
}

// WriteReply sends the handshake verdict.
func WriteReply(w io.Writer, st Status) error {
	buf := append([]byte(Magic), Version, byte(st))
	_, err := w.Write(buf)
	return err
}

// ReadReply reads the handshake verdict sent by WriteReply.
func ReadReply(r io.Reader) (Status, error) {
	buf := make([]byte, len(Magic)+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, fmt.Errorf("read reply: %w", err)
	}
	if string(buf[:len(Magic)]) != Magic {
		return 0, fmt.Errorf("%w: bad reply magic", ErrHandshake)
	}
	return Status(buf[len(Magic)+1]), nil
}

func appendPrefixed(buf, b []byte) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(b)))
	return append(buf, b...)
}

// fieldReader reads sequential fields and remembers the first error.
type fieldReader struct {
	r   io.Reader
	err error
}

func (f *fieldReader) bytes(n int) []byte {
	if f.err != nil {
		return nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(f.r, b); err != nil {
		f.err = err
		return nil
	}
	return b
}

func (f *fieldReader) u8() uint8 {
	b := f.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (f *fieldReader) prefixed() []byte {
	l := f.bytes(2)
	if l == nil {
		return nil
	}
	n := int(binary.BigEndian.Uint16(l))
	if n == 0 {
		return nil
	}
	return f.bytes(n)
}
