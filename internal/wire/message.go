package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"hls-gateway/internal/media"
)

// Message header layout.
const (
	HeaderSize = 16
	SyncByte   = 0xF7

	// DefaultMaxPayload bounds a single message payload.
	DefaultMaxPayload = 4 << 20

	// maxResyncScan bounds how many bytes one resync attempt discards.
	maxResyncScan = 64 << 10
)

// MessageType tags a message's payload.
type MessageType uint8

// Message types.
const (
	TypeAudio     MessageType = 1
	TypeVideo     MessageType = 2
	TypeUnpublish MessageType = 3
)

// FlagKeyframe marks a video message as a random access point.
const FlagKeyframe uint8 = 0x01

// Message is one decoded media or control message.
type Message struct {
	Type     MessageType
	Keyframe bool
	DTS      time.Duration
	// CTS is the composition offset: PTS = DTS + CTS.
	CTS     time.Duration
	Payload []byte
}

// DesyncError reports a malformed message header or payload. The decoder
// has already skipped past the offending bytes; the caller may keep reading.
type DesyncError struct {
	Reason  string
	Skipped int
}

func (e *DesyncError) Error() string {
	return fmt.Sprintf("protocol desync: %s (skipped %d bytes)", e.Reason, e.Skipped)
}

// IsDesync reports whether err is a recoverable DesyncError.
func IsDesync(err error) bool {
	var de *DesyncError
	return errors.As(err, &de)
}

// Decoder reads messages from a byte stream, resynchronizing on the next
// valid header after malformed input.
type Decoder struct {
	r          *bufio.Reader
	maxPayload int
}

// NewDecoder returns a Decoder reading from r. If r is already a
// *bufio.Reader of sufficient size it is used directly, so bytes buffered
// while reading the handshake are not lost.
func NewDecoder(r io.Reader, maxPayload int) *Decoder {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Decoder{r: bufio.NewReaderSize(r, 64<<10), maxPayload: maxPayload}
}

// Next returns the next message. A *DesyncError means input was skipped and
// decoding can continue; any other error is terminal for the stream.
func (d *Decoder) Next() (*Message, error) {
	hdr, err := d.r.Peek(HeaderSize)
	if err != nil {
		if errors.Is(err, io.EOF) && len(hdr) > 0 {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	if reason := d.validateHeader(hdr); reason != "" {
		return nil, &DesyncError{Reason: reason, Skipped: d.resync()}
	}

	msg := &Message{
		Type:     MessageType(hdr[1]),
		Keyframe: hdr[2]&FlagKeyframe != 0,
		DTS:      time.Duration(binary.BigEndian.Uint32(hdr[3:7])) * time.Millisecond,
		CTS:      time.Duration(int32(binary.BigEndian.Uint32(hdr[7:11]))) * time.Millisecond,
	}
	length := int(binary.BigEndian.Uint32(hdr[11:15]))

	if _, err := d.r.Discard(HeaderSize); err != nil {
		return nil, err
	}
	if length > 0 {
		msg.Payload = make([]byte, length)
		if _, err := io.ReadFull(d.r, msg.Payload); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
	return msg, nil
}

func (d *Decoder) validateHeader(hdr []byte) string {
	if hdr[0] != SyncByte {
		return "missing sync byte"
	}
	if checksum(hdr[:HeaderSize-1]) != hdr[HeaderSize-1] {
		return "header checksum mismatch"
	}
	switch MessageType(hdr[1]) {
	case TypeAudio, TypeVideo, TypeUnpublish:
	default:
		return fmt.Sprintf("unknown message type %d", hdr[1])
	}
	if hdr[2]&^FlagKeyframe != 0 {
		return "reserved flag bits set"
	}
	if n := binary.BigEndian.Uint32(hdr[11:15]); int64(n) > int64(d.maxPayload) {
		return fmt.Sprintf("payload length %d exceeds limit", n)
	}
	return ""
}

// resync discards the current byte and everything up to the next candidate
// sync byte, returning the number of bytes skipped.
func (d *Decoder) resync() int {
	skipped, _ := d.r.Discard(1)
	for skipped < maxResyncScan {
		b, err := d.r.Peek(1)
		if err != nil || b[0] == SyncByte {
			break
		}
		n, _ := d.r.Discard(1)
		skipped += n
	}
	return skipped
}

func checksum(b []byte) byte {
	var c byte
	for _, x := range b {
		c ^= x
	}
	return c
}

// ToFrame converts a media message into a Frame. Video payloads are parsed as
// AVCC; malformed payloads yield a *DesyncError.
func (m *Message) ToFrame() (*media.Frame, error) {
	f := &media.Frame{
		DTS: m.DTS,
		PTS: m.DTS + m.CTS,
	}

	switch m.Type {
	case TypeVideo:
		var au h264.AVCC
		if err := au.Unmarshal(m.Payload); err != nil {
			return nil, &DesyncError{Reason: "invalid AVCC payload: " + err.Error()}
		}
		f.Kind = media.KindVideo
		f.NALUs = au
		f.IsKeyframe = m.Keyframe || media.IsRandomAccess(au)
	case TypeAudio:
		if len(m.Payload) == 0 {
			return nil, &DesyncError{Reason: "empty audio payload"}
		}
		f.Kind = media.KindAudio
		f.Payload = m.Payload
		f.IsKeyframe = true
	default:
		return nil, fmt.Errorf("message type %d carries no media", m.Type)
	}
	return f, nil
}

// Encoder writes messages in the format read by Decoder. It is used by
// publishers and tests.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// WriteMessage encodes one message.
func (e *Encoder) WriteMessage(m *Message) error {
	buf := make([]byte, HeaderSize, HeaderSize+len(m.Payload))
	buf[0] = SyncByte
	buf[1] = byte(m.Type)
	if m.Keyframe {
		buf[2] = FlagKeyframe
	}
	binary.BigEndian.PutUint32(buf[3:7], uint32(m.DTS/time.Millisecond))
	binary.BigEndian.PutUint32(buf[7:11], uint32(int32(m.CTS/time.Millisecond)))
	binary.BigEndian.PutUint32(buf[11:15], uint32(len(m.Payload)))
	buf[15] = checksum(buf[:15])
	buf = append(buf, m.Payload...)

	_, err := e.w.Write(buf)
	return err
}

// WriteFrame encodes a Frame as an audio or video message.
func (e *Encoder) WriteFrame(f *media.Frame) error {
	m := &Message{
		DTS:      f.DTS,
		CTS:      f.PTS - f.DTS,
		Keyframe: f.IsKeyframe,
	}
	switch f.Kind {
	case media.KindVideo:
		payload, err := h264.AVCC(f.NALUs).Marshal()
		if err != nil {
			return fmt.Errorf("marshal AVCC: %w", err)
		}
		m.Type = TypeVideo
		m.Payload = payload
	case media.KindAudio:
		m.Type = TypeAudio
		m.Keyframe = false
		m.Payload = f.Payload
	default:
		return fmt.Errorf("unknown frame kind %d", f.Kind)
	}
	return e.WriteMessage(m)
}

// WriteUnpublish signals the end of the stream.
func (e *Encoder) WriteUnpublish() error {
	return e.WriteMessage(&Message{Type: TypeUnpublish})
}
