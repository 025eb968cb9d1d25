package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"hls-gateway/internal/hls"
	"hls-gateway/internal/ingest"
	"hls-gateway/internal/platform/config"
	"hls-gateway/internal/platform/logger"
	"hls-gateway/internal/platform/metrics"
	"hls-gateway/internal/playback"
	"hls-gateway/internal/registry"
	"hls-gateway/internal/status"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hls-gateway",
		Short: "Live ingest to HLS repackaging gateway",
		Long: `hls-gateway accepts live publishers on a TCP ingest port, cuts their
streams into MPEG-TS segments and serves a rolling HLS manifest per stream.

Configuration is read from the environment (and a .env file if present);
flags override environment values.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = config.Load()
			cfg := config.FromEnv()
			applyFlags(cmd, &cfg)
			return run(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.String("http-addr", "", "playback/status HTTP listen address (overrides HTTP_ADDR)")
	f.String("ingest-addr", "", "ingest TCP listen address (overrides INGEST_ADDR)")
	f.String("log-level", "", "log level: debug, info, warn, error (overrides LOG_LEVEL)")
	f.String("log-format", "", "log format: json, text (overrides LOG_FORMAT)")
	f.Duration("target-duration", 0, "target segment duration (overrides HLS_TARGET_DURATION)")
	f.Int("window-size", 0, "segments listed in the manifest (overrides HLS_WINDOW_SIZE)")
	f.Int("max-segments", 0, "segments retained per stream (overrides HLS_MAX_SEGMENTS)")
	f.Int("max-streams", 0, "concurrent live streams, 0 = unlimited (overrides REGISTRY_MAX_STREAMS)")
	return cmd
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("http-addr") {
		cfg.HTTPAddr, _ = f.GetString("http-addr")
	}
	if f.Changed("ingest-addr") {
		cfg.IngestAddr, _ = f.GetString("ingest-addr")
	}
	if f.Changed("log-level") {
		cfg.LogLevel, _ = f.GetString("log-level")
	}
	if f.Changed("log-format") {
		cfg.LogFormat, _ = f.GetString("log-format")
	}
	if f.Changed("target-duration") {
		cfg.TargetDuration, _ = f.GetDuration("target-duration")
	}
	if f.Changed("window-size") {
		cfg.WindowSize, _ = f.GetInt("window-size")
	}
	if f.Changed("max-segments") {
		cfg.MaxSegments, _ = f.GetInt("max-segments")
	}
	if f.Changed("max-streams") {
		cfg.MaxStreams, _ = f.GetInt("max-streams")
	}
}

func run(parent context.Context, cfg config.Config) error {
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	met := metrics.New()
	reg := registry.New(cfg.MaxStreams, log)

	listener := ingest.NewListener(ingest.Config{
		Addr:              cfg.IngestAddr,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxConnections:    cfg.MaxConnections,
		MaxPendingRejects: cfg.MaxPendingRejects,
		MaxDesync:         cfg.MaxDesync,
		Segmenter: hls.Config{
			TargetDuration:  cfg.TargetDuration,
			WindowSize:      cfg.WindowSize,
			MaxSegments:     cfg.MaxSegments,
			MaxSegmentBytes: cfg.MaxSegmentBytes,
		},
	}, reg, met, log)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveStreams(reg.Len()) }).ServeHTTP(w, r)
	})
	status.NewHandler(status.NewService(reg), log).Routes(r)
	playback.NewHandler(playback.NewService(reg, cfg.WaitTimeout), log).Routes(r)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return listener.Start(gctx)
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, draining connections")

		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	log.Info("server starting",
		"ingest_addr", displayAddr(cfg.IngestAddr),
		"playback_url", "http://"+displayAddr(cfg.HTTPAddr)+"/<stream-key>/index.m3u8",
		"status_url", "http://"+displayAddr(cfg.HTTPAddr)+"/status",
		"target_duration", cfg.TargetDuration.String(),
		"window_size", cfg.WindowSize,
		"max_segments", cfg.MaxSegments,
		"log_level", cfg.LogLevel,
	)

	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
		return err
	}
	log.Info("server stopped")
	return nil
}

// displayAddr fills in localhost for listen addresses without a host.
func displayAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
