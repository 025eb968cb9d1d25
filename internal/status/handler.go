package status

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Handler exposes the read-only status endpoints.
type Handler struct {
	svc *Service
	log *slog.Logger
}

// NewHandler returns a Handler backed by svc.
func NewHandler(svc *Service, log *slog.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

// Routes mounts the status endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/status", h.GetStatus)
	r.Get("/api/streams", h.ListStreams)
}

// GetStatus handles GET /status.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.svc.Report())
}

// streamsResponse is the body of GET /api/streams.
type streamsResponse struct {
	ActiveStreams  []string                `json:"active_streams"`
	StreamsDetails map[string]StreamStatus `json:"streams_details"`
}

// ListStreams handles GET /api/streams.
func (h *Handler) ListStreams(w http.ResponseWriter, r *http.Request) {
	snap := h.svc.Snapshot()
	resp := streamsResponse{
		ActiveStreams:  make([]string, 0, len(snap)),
		StreamsDetails: make(map[string]StreamStatus, len(snap)),
	}
	for _, st := range snap {
		resp.ActiveStreams = append(resp.ActiveStreams, st.Key)
		resp.StreamsDetails[st.Key] = st
	}
	h.writeJSON(w, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		h.log.Error("encode status failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		h.log.Debug("write status failed", slog.String("error", err.Error()))
	}
}
