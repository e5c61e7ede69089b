package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/snarg/live-translator/internal/storage"
)

// ArchiveHandler serves archived segments by the audio_key recorded on
// history entries.
type ArchiveHandler struct {
	store storage.SegmentStore
}

func NewArchiveHandler(store storage.SegmentStore) *ArchiveHandler {
	return &ArchiveHandler{store: store}
}

// GetSegment redirects to a presigned URL when the store has one, otherwise
// streams the WAV.
func (h *ArchiveHandler) GetSegment(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		WriteError(w, http.StatusServiceUnavailable, "segment archive disabled")
		return
	}
	key := chi.URLParam(r, "*")
	if key == "" || !strings.HasSuffix(key, ".wav") {
		WriteError(w, http.StatusBadRequest, "invalid segment key")
		return
	}

	link, err := h.store.Link(r.Context(), key)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("key", key).Msg("failed to link segment")
		WriteError(w, http.StatusInternalServerError, "failed to link segment")
		return
	}
	if link != "" {
		http.Redirect(w, r, link, http.StatusFound)
		return
	}

	rc, err := h.store.Open(r.Context(), key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		WriteError(w, http.StatusNotFound, "segment not found")
		return
	case errors.Is(err, storage.ErrInvalidKey):
		WriteErrorDetail(w, http.StatusBadRequest, "invalid segment key", err.Error())
		return
	case err != nil:
		hlog.FromRequest(r).Error().Err(err).Str("key", key).Msg("failed to open segment")
		WriteError(w, http.StatusInternalServerError, "failed to open segment")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("key", key).Msg("segment stream interrupted")
	}
}

func (h *ArchiveHandler) Routes(r chi.Router) {
	r.Get("/archive/*", h.GetSegment)
}
