package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/snarg/live-translator/internal/history"
)

type HistoryHandler struct {
	store history.Store
}

func NewHistoryHandler(store history.Store) *HistoryHandler {
	return &HistoryHandler{store: store}
}

type historyResponse struct {
	Entries []history.Entry `json:"entries"`
	Total   int             `json:"total"`
}

// ListHistory returns entries newest first.
func (h *HistoryHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := QueryLimit(r, history.DefaultLimit)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := h.store.List(r.Context(), limit)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("failed to list history")
		WriteError(w, http.StatusInternalServerError, "failed to list history")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	WriteJSON(w, http.StatusOK, historyResponse{Entries: entries, Total: len(entries)})
}

func (h *HistoryHandler) ClearHistory(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Clear(r.Context()); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("failed to clear history")
		WriteError(w, http.StatusInternalServerError, "failed to clear history")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Routes registers history routes on the given router.
func (h *HistoryHandler) Routes(r chi.Router) {
	r.Get("/history", h.ListHistory)
	r.Delete("/history", h.ClearHistory)
}
