package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"hls-gateway/internal/hls"
	"hls-gateway/internal/media"
	"hls-gateway/internal/platform/metrics"
	"hls-gateway/internal/registry"
	"hls-gateway/internal/stream"
	"hls-gateway/internal/wire"
)

// State is the lifecycle phase of an ingest session.
type State int32

// Session states. Transitions only move forward.
const (
	StateHandshaking State = iota
	StateStreaming
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrInvalidTransition is returned when a session is asked to move between
// two states that are not adjacent in its lifecycle.
var ErrInvalidTransition = errors.New("invalid state transition")

var allowedTransitions = map[State][]State{
	StateHandshaking: {StateStreaming, StateClosed},
	StateStreaming:   {StateDraining},
	StateDraining:    {StateClosed},
}

func canTransition(from, to State) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateObserver is called after every successful state transition. key is
// empty while the handshake has not been decoded yet.
type StateObserver func(key string, from, to State)

// Session drives one publisher connection through its lifecycle:
// handshake, frame streaming into a segmenter, drain and teardown.
type Session struct {
	conn    net.Conn
	br      *bufio.Reader
	cfg     *Config
	reg     registry.Registry
	metrics *metrics.Metrics
	log     *slog.Logger

	state atomic.Int32
	entry *registry.Entry
}

func newSession(conn net.Conn, cfg *Config, reg registry.Registry, m *metrics.Metrics, log *slog.Logger) *Session {
	return &Session{
		conn:    conn,
		br:      bufio.NewReaderSize(conn, readBufferSize),
		cfg:     cfg,
		reg:     reg,
		metrics: m,
		log:     log.With("remote", conn.RemoteAddr().String()),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) key() string {
	if s.entry == nil {
		return ""
	}
	return s.entry.Key
}

func (s *Session) transition(from, to State) error {
	if !canTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if !s.state.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("%w: session is %s, not %s", ErrInvalidTransition, s.State(), from)
	}
	s.log.Debug("session state", "from", from.String(), "to", to.String())
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(s.key(), from, to)
	}
	return nil
}

// Run executes the full session lifecycle and returns once the session is
// Closed. The connection is always closed on return.
func (s *Session) Run(ctx context.Context) {
	defer s.conn.Close()

	if err := s.handshake(); err != nil {
		s.log.Info("handshake rejected", "error", err)
		_ = s.transition(StateHandshaking, StateClosed)
		return
	}
	_ = s.transition(StateHandshaking, StateStreaming)

	reason := s.stream(ctx)

	_ = s.transition(StateStreaming, StateDraining)
	s.drain(reason)

	// Unregistered before Closed is observed, so the key is free again.
	s.teardown()
	_ = s.transition(StateDraining, StateClosed)
}

// handshake reads the publisher's request under the handshake deadline,
// validates it, registers the stream and sends the verdict. The registry is
// touched only when every other check has passed.
func (s *Session) handshake() error {
	_ = s.conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	defer s.conn.SetDeadline(time.Time{})

	h, err := wire.ReadHandshake(s.br)
	if err != nil {
		var ne net.Error
		switch {
		case errors.Is(err, wire.ErrUnsupportedVersion):
			return s.reject(wire.StatusUnsupportedVersion, "version", err)
		case errors.As(err, &ne) && ne.Timeout():
			return s.reject(wire.StatusMalformed, "timeout", err)
		default:
			return s.reject(wire.StatusMalformed, "malformed", err)
		}
	}

	log := s.log.With("stream_key", h.StreamKey)

	if s.cfg.Authenticator != nil {
		if err := s.cfg.Authenticator.Authenticate(h.StreamKey, h.Token); err != nil {
			return s.reject(wire.StatusUnauthorized, "unauthorized", fmt.Errorf("%s: %w", h.StreamKey, err))
		}
	}

	sess := stream.NewSession(h.StreamKey, s.conn.RemoteAddr().String(), h.Codecs)
	segCfg := s.cfg.Segmenter
	segCfg.Key = h.StreamKey
	segCfg.Codecs = h.Codecs
	segCfg.FirstSequence = s.reg.NextSequence(h.StreamKey)
	segCfg.Log = s.log
	if s.metrics != nil {
		segCfg.Observer = s.metrics
	}
	entry := &registry.Entry{
		Key:       h.StreamKey,
		Session:   sess,
		Segmenter: s.cfg.NewSegmenter(segCfg),
	}

	if err := s.reg.Register(entry); err != nil {
		entry.Segmenter.Close()
		switch {
		case errors.Is(err, registry.ErrAlreadyLive):
			return s.reject(wire.StatusDuplicateStream, "duplicate", err)
		case errors.Is(err, registry.ErrResourceExhausted):
			return s.reject(wire.StatusBusy, "busy", err)
		default:
			return s.reject(wire.StatusMalformed, "register", err)
		}
	}

	if err := wire.WriteReply(s.conn, wire.StatusOK); err != nil {
		s.reg.Unregister(entry.Key, sess.ID)
		return fmt.Errorf("write handshake reply: %w", err)
	}

	s.entry = entry
	s.log = log.With("session_id", sess.ID)
	s.log.Info("publish started", "codecs", h.Codecs.Describe())
	return nil
}

func (s *Session) reject(st wire.Status, reason string, err error) error {
	s.metrics.IncHandshakeFailures(reason)
	if werr := wire.WriteReply(s.conn, st); werr != nil {
		s.log.Debug("write rejection failed", "error", werr)
	}
	return fmt.Errorf("%s: %w", st, err)
}

// stream decodes messages until the publisher leaves, goes idle, corrupts
// the stream beyond recovery or ctx is cancelled. It returns the reason.
func (s *Session) stream(ctx context.Context) string {
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	dec := wire.NewDecoder(s.br, s.cfg.MaxPayload)
	sess := s.entry.Session
	desyncs := 0

	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		// Checked after arming the deadline so a concurrent cancel is not
		// overwritten.
		if ctx.Err() != nil {
			return "shutdown"
		}

		msg, err := dec.Next()
		if err != nil {
			var de *wire.DesyncError
			if errors.As(err, &de) {
				sess.RecordBytes(de.Skipped)
				if s.onDesync(de, &desyncs) {
					return "too many protocol errors"
				}
				continue
			}
			return s.readFailure(ctx, err)
		}
		sess.RecordBytes(wire.HeaderSize + len(msg.Payload))

		if msg.Type == wire.TypeUnpublish {
			return "unpublish"
		}

		f, err := msg.ToFrame()
		if err != nil {
			var de *wire.DesyncError
			if errors.As(err, &de) {
				if s.onDesync(de, &desyncs) {
					return "too many protocol errors"
				}
				continue
			}
			s.drop("invalid", err)
			continue
		}
		desyncs = 0

		if !s.trackExpected(f.Kind) {
			s.drop("unexpected_track", fmt.Errorf("%s frame on a stream without that track", f.Kind))
			continue
		}
		if err := s.entry.Segmenter.WriteFrame(f); err != nil {
			if errors.Is(err, hls.ErrClosed) {
				return "segmenter closed"
			}
			s.drop(dropReason(err), err)
			continue
		}

		sess.RecordFrame()
		s.metrics.IncFramesIngested(f.Kind.String())
		sess.SetSequence(s.entry.Segmenter.Stats().LastSequence)
	}
}

// onDesync accounts for one protocol error and reports whether the
// consecutive error budget is spent.
func (s *Session) onDesync(de *wire.DesyncError, consecutive *int) bool {
	*consecutive++
	s.entry.Session.RecordDesync()
	s.metrics.IncDesync()
	s.log.Warn("protocol desync", "reason", de.Reason, "skipped", de.Skipped, "consecutive", *consecutive)
	return *consecutive > s.cfg.MaxDesync
}

func (s *Session) readFailure(ctx context.Context, err error) string {
	var ne net.Error
	switch {
	case ctx.Err() != nil:
		return "shutdown"
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return "publisher disconnected"
	case errors.As(err, &ne) && ne.Timeout():
		return "idle timeout"
	default:
		s.log.Debug("read error", "error", err)
		return "read error"
	}
}

func (s *Session) trackExpected(k media.Kind) bool {
	switch k {
	case media.KindVideo:
		return s.entry.Session.Codecs.HasVideo()
	case media.KindAudio:
		return s.entry.Session.Codecs.HasAudio()
	default:
		return false
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, hls.ErrAwaitingKeyframe):
		return "awaiting_keyframe"
	case errors.Is(err, hls.ErrLateFrame):
		return "late"
	case errors.Is(err, hls.ErrResourceExhausted):
		return "segment_full"
	default:
		return "packaging"
	}
}

func (s *Session) drop(reason string, err error) {
	s.entry.Session.RecordDrop()
	s.metrics.IncFramesDropped(reason)
	if reason == "awaiting_keyframe" {
		return
	}
	s.log.Debug("frame dropped", "reason", reason, "error", err)
}

// drain finalizes the in-progress segment so the manifest reflects
// everything the publisher sent.
func (s *Session) drain(reason string) {
	seg := s.entry.Segmenter
	if err := seg.Flush(); err != nil {
		s.log.Warn("flush failed", "error", err)
	}
	st := seg.Stats()
	s.entry.Session.SetSequence(st.LastSequence)
	s.log.Info("publish ending", "reason", reason, "segments", st.Finalized)
}

func (s *Session) teardown() {
	sess := s.entry.Session
	sess.MarkEnded()
	s.reg.Unregister(s.entry.Key, sess.ID)

	info := sess.Info()
	s.log.Info("publish closed",
		"bytes", info.BytesReceived,
		"frames", info.FramesIngested,
		"dropped", info.FramesDropped,
		"desyncs", info.DesyncEvents,
		"uptime_ms", time.Since(sess.StartedAt).Milliseconds(),
	)
}
