// Package playback serves live manifests and segments to viewers.
package playback

import (
	"context"
	"time"

	"hls-gateway/internal/hls"
	"hls-gateway/internal/registry"
)

// DefaultWaitTimeout bounds how long a request for the next segment waits
// for it to be produced.
const DefaultWaitTimeout = 8 * time.Second

// Service resolves stream keys to segmenters through the registry.
type Service struct {
	reg         registry.Registry
	waitTimeout time.Duration
}

// NewService returns a Service reading from reg. If waitTimeout <= 0,
// DefaultWaitTimeout is used.
func NewService(reg registry.Registry, waitTimeout time.Duration) *Service {
	if waitTimeout <= 0 {
		waitTimeout = DefaultWaitTimeout
	}
	return &Service{reg: reg, waitTimeout: waitTimeout}
}

// GetManifest returns the current manifest of a live stream, or
// registry.ErrNotFound when no publisher holds key.
func (s *Service) GetManifest(key string) (hls.Manifest, error) {
	e, err := s.reg.Lookup(key)
	if err != nil {
		return hls.Manifest{}, err
	}
	return e.Segmenter.CurrentManifest(), nil
}

// GetSegment returns the payload of segment seq. A segment that is about to
// be produced is waited for up to the wait timeout; evicted, unknown and
// timed-out segments yield hls.ErrNotFound.
func (s *Service) GetSegment(ctx context.Context, key string, seq int64) ([]byte, error) {
	e, err := s.reg.Lookup(key)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.waitTimeout)
	defer cancel()

	seg, err := e.Segmenter.WaitSegment(ctx, seq)
	if err != nil {
		return nil, err
	}
	return seg.Data, nil
}
