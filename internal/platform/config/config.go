package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvDuration returns the duration value of the environment variable named
// by key (Go duration syntax, e.g. "6s"), or fallback if it is unset, empty,
// or unparsable.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return fallback
}

// Config is the full gateway configuration.
type Config struct {
	HTTPAddr   string
	IngestAddr string
	LogLevel   string
	LogFormat  string

	HandshakeTimeout  time.Duration
	IdleTimeout       time.Duration
	MaxConnections    int
	MaxPendingRejects int
	MaxDesync         int

	MaxStreams int

	TargetDuration  time.Duration
	WindowSize      int
	MaxSegments     int
	MaxSegmentBytes int

	WaitTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// FromEnv builds a Config from the process environment, applying defaults for
// anything unset.
func FromEnv() Config {
	return Config{
		HTTPAddr:   GetEnv("HTTP_ADDR", ":8080"),
		IngestAddr: GetEnv("INGEST_ADDR", ":1935"),
		LogLevel:   GetEnv("LOG_LEVEL", "info"),
		LogFormat:  GetEnv("LOG_FORMAT", "json"),

		HandshakeTimeout:  GetEnvDuration("INGEST_HANDSHAKE_TIMEOUT", 5*time.Second),
		IdleTimeout:       GetEnvDuration("INGEST_IDLE_TIMEOUT", 10*time.Second),
		MaxConnections:    GetEnvInt("INGEST_MAX_CONNECTIONS", 64),
		MaxPendingRejects: GetEnvInt("INGEST_MAX_PENDING_REJECTS", 16),
		MaxDesync:         GetEnvInt("INGEST_MAX_DESYNC", 8),

		MaxStreams: GetEnvInt("REGISTRY_MAX_STREAMS", 0),

		TargetDuration:  GetEnvDuration("HLS_TARGET_DURATION", 4*time.Second),
		WindowSize:      GetEnvInt("HLS_WINDOW_SIZE", 6),
		MaxSegments:     GetEnvInt("HLS_MAX_SEGMENTS", 10),
		MaxSegmentBytes: GetEnvInt("HLS_MAX_SEGMENT_BYTES", 32<<20),

		WaitTimeout:     GetEnvDuration("PLAYBACK_WAIT_TIMEOUT", 8*time.Second),
		ShutdownTimeout: GetEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}
