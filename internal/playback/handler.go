package playback

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"hls-gateway/internal/hls"
	"hls-gateway/internal/registry"
)

// Handler exposes playback HTTP endpoints using go-chi.
type Handler struct {
	svc *Service
	log *slog.Logger
}

// NewHandler returns a Handler that uses the given Service and Logger.
func NewHandler(svc *Service, log *slog.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

// Routes mounts the playback endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/{key}", func(r chi.Router) {
		r.Get("/manifest", h.GetManifest)
		r.Get("/index.m3u8", h.GetManifest)
		r.Get("/segment/{seq}", h.GetSegment)
	})
}

// GetManifest handles GET /{key}/manifest and GET /{key}/index.m3u8.
func (h *Handler) GetManifest(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if key == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	m, err := h.svc.GetManifest(key)
	if err != nil {
		h.writeError(w, err)
		return
	}

	body, err := m.Playlist(nil)
	if err != nil {
		h.log.Error("render manifest failed", slog.String("key", key), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", hls.PlaylistContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	h.write(w, body)
}

// GetSegment handles GET /{key}/segment/{seq}; seq may carry a ".ts" suffix.
func (h *Handler) GetSegment(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	seq, err := strconv.ParseInt(strings.TrimSuffix(chi.URLParam(r, "seq"), ".ts"), 10, 64)
	if key == "" || err != nil || seq < 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	data, err := h.svc.GetSegment(r.Context(), key, seq)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", hls.SegmentContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "max-age=3600")
	w.WriteHeader(http.StatusOK)
	h.write(w, data)
}

// write sends body; a failure means the viewer went away, so it is only
// logged.
func (h *Handler) write(w http.ResponseWriter, body []byte) {
	if _, err := w.Write(body); err != nil {
		h.log.Debug("write response failed", slog.String("error", err.Error()))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, hls.ErrNotFound):
		w.WriteHeader(http.StatusNotFound)
	default:
		h.log.Error("playback failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
	}
}
