// Package ingest accepts publisher connections, runs the handshake and feeds
// each stream's frames into its segmenter.
package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"hls-gateway/internal/hls"
	"hls-gateway/internal/platform/metrics"
	"hls-gateway/internal/registry"
	"hls-gateway/internal/wire"
)

// readBufferSize matches the decoder's buffer so the handshake reader can be
// handed to it without losing buffered bytes.
const readBufferSize = 64 << 10

// Defaults applied by NewListener to zero Config fields.
const (
	DefaultHandshakeTimeout  = 5 * time.Second
	DefaultIdleTimeout       = 10 * time.Second
	DefaultMaxConnections    = 64
	DefaultMaxDesync         = 8
	DefaultMaxPendingRejects = 16
)

// Authenticator validates publish credentials.
type Authenticator interface {
	Authenticate(key, token string) error
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(key, token string) error

// Authenticate implements Authenticator.
func (f AuthenticatorFunc) Authenticate(key, token string) error { return f(key, token) }

// Config configures a Listener.
type Config struct {
	Addr             string
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	// MaxConnections bounds concurrent publisher connections, including
	// ones still handshaking.
	MaxConnections int
	// MaxPendingRejects bounds connections over MaxConnections that are
	// still being answered StatusBusy. Beyond it they are closed unanswered.
	MaxPendingRejects int
	// MaxDesync is the number of consecutive protocol errors tolerated
	// before the session is drained.
	MaxDesync  int
	MaxPayload int

	// Segmenter is the template for every stream's segmenter; Key, Codecs,
	// Log and Observer are filled in per stream.
	Segmenter    hls.Config
	NewSegmenter func(hls.Config) hls.Segmenter

	// Authenticator is optional; nil accepts every publisher.
	Authenticator Authenticator
	OnStateChange StateObserver
}

// Listener accepts publisher connections and runs one Session per
// connection.
type Listener struct {
	cfg     Config
	reg     registry.Registry
	metrics *metrics.Metrics
	log     *slog.Logger
	sem     *semaphore.Weighted
	rejects *semaphore.Weighted
	wg      sync.WaitGroup

	mu   sync.Mutex
	addr net.Addr
}

// NewListener returns a Listener that registers streams in reg. Metrics may
// be nil. If log is nil, slog.Default() is used.
func NewListener(cfg Config, reg registry.Registry, m *metrics.Metrics, log *slog.Logger) *Listener {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	if cfg.MaxPendingRejects <= 0 {
		cfg.MaxPendingRejects = DefaultMaxPendingRejects
	}
	if cfg.MaxDesync <= 0 {
		cfg.MaxDesync = DefaultMaxDesync
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = wire.DefaultMaxPayload
	}
	if cfg.NewSegmenter == nil {
		cfg.NewSegmenter = func(c hls.Config) hls.Segmenter { return hls.NewSegmenter(c) }
	}
	if log == nil {
		log = slog.Default()
	}
	return &Listener{
		cfg:     cfg,
		reg:     reg,
		metrics: m,
		log:     log.With("component", "ingest"),
		sem:     semaphore.NewWeighted(int64(cfg.MaxConnections)),
		rejects: semaphore.NewWeighted(int64(cfg.MaxPendingRejects)),
	}
}

// Start listens on the configured address and serves until ctx is
// cancelled.
func (l *Listener) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.cfg.Addr)
	if err != nil {
		return fmt.Errorf("ingest listen on %s: %w", l.cfg.Addr, err)
	}
	return l.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled. It closes ln and
// waits for every in-flight session to drain before returning.
func (l *Listener) Serve(ctx context.Context, ln net.Listener) error {
	l.mu.Lock()
	l.addr = ln.Addr()
	l.mu.Unlock()
	l.log.Info("listening", "addr", ln.Addr().String())

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer l.wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.log.Warn("accept error", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		l.metrics.IncConnections()

		if !l.sem.TryAcquire(1) {
			if !l.rejects.TryAcquire(1) {
				l.metrics.IncHandshakeFailures("connection_limit")
				l.log.Debug("connection dropped over limit", "remote", conn.RemoteAddr().String())
				conn.Close()
				continue
			}
			l.wg.Add(1)
			go func() {
				defer l.wg.Done()
				defer l.rejects.Release(1)
				l.rejectBusy(conn)
			}()
			continue
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer l.sem.Release(1)
			newSession(conn, &l.cfg, l.reg, l.metrics, l.log).Run(ctx)
		}()
	}
}

// Addr returns the bound address once Serve has started, or nil.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addr
}

// rejectBusy consumes the handshake so the reply is not lost to a reset,
// then answers StatusBusy.
func (l *Listener) rejectBusy(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(l.cfg.HandshakeTimeout))

	key := ""
	if h, err := wire.ReadHandshake(bufio.NewReader(conn)); err == nil {
		key = h.StreamKey
	}
	l.metrics.IncHandshakeFailures("connection_limit")
	_ = wire.WriteReply(conn, wire.StatusBusy)
	l.log.Warn("connection limit reached",
		"remote", conn.RemoteAddr().String(),
		"stream_key", key,
		"limit", l.cfg.MaxConnections,
	)
}
