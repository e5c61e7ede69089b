package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/snarg/live-translator/internal/history"
	"github.com/snarg/live-translator/internal/pipeline"
	"github.com/snarg/live-translator/internal/translate"
)

// Controller is the slice of the pipeline the API drives.
type Controller interface {
	Status() pipeline.Status
	StartListening() error
	StopListening()
	SetSourceLanguage(tag string) error
	SetTargetLanguage(tag string) error
	SetAutoSpeak(v bool)
	Translate(ctx context.Context, text string) translate.Outcome
}

type SessionHandler struct {
	pipeline Controller
	store    history.Store
}

func NewSessionHandler(pipeline Controller, store history.Store) *SessionHandler {
	return &SessionHandler{pipeline: pipeline, store: store}
}

type languageRequest struct {
	Language string `json:"language"`
}

type translateRequest struct {
	Text string `json:"text"`
}

// SettingsRequest is the body of PUT /settings. Absent fields are left
// unchanged.
type SettingsRequest struct {
	Source    *string `json:"source,omitempty"`
	Target    *string `json:"target,omitempty"`
	AutoSpeak *bool   `json:"auto_speak,omitempty"`
}

func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.pipeline.Status())
}

func (h *SessionHandler) SetSource(w http.ResponseWriter, r *http.Request) {
	h.setLanguage(w, r, h.pipeline.SetSourceLanguage)
}

func (h *SessionHandler) SetTarget(w http.ResponseWriter, r *http.Request) {
	h.setLanguage(w, r, h.pipeline.SetTargetLanguage)
}

func (h *SessionHandler) setLanguage(w http.ResponseWriter, r *http.Request, set func(string) error) {
	var req languageRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if err := set(req.Language); err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid language", err.Error())
		return
	}
	h.saveSettings(r)
	WriteJSON(w, http.StatusOK, h.pipeline.Status())
}

func (h *SessionHandler) StartListening(w http.ResponseWriter, r *http.Request) {
	if h.pipeline.Status().Backend == "" {
		WriteError(w, http.StatusConflict, "transcriber is still loading")
		return
	}
	if err := h.pipeline.StartListening(); err != nil {
		WriteErrorDetail(w, http.StatusServiceUnavailable, pipeline.Classify(err), err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, h.pipeline.Status())
}

func (h *SessionHandler) StopListening(w http.ResponseWriter, r *http.Request) {
	h.pipeline.StopListening()
	WriteJSON(w, http.StatusOK, h.pipeline.Status())
}

// Translate runs ad-hoc text through the provider chain.
func (h *SessionHandler) Translate(w http.ResponseWriter, r *http.Request) {
	var req translateRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		WriteError(w, http.StatusBadRequest, "text is required")
		return
	}
	WriteJSON(w, http.StatusOK, h.pipeline.Translate(r.Context(), req.Text))
}

func (h *SessionHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.current())
}

func (h *SessionHandler) PutSettings(w http.ResponseWriter, r *http.Request) {
	var req SettingsRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Source != nil {
		if err := h.pipeline.SetSourceLanguage(*req.Source); err != nil {
			WriteErrorDetail(w, http.StatusBadRequest, "invalid source language", err.Error())
			return
		}
	}
	if req.Target != nil {
		if err := h.pipeline.SetTargetLanguage(*req.Target); err != nil {
			WriteErrorDetail(w, http.StatusBadRequest, "invalid target language", err.Error())
			return
		}
	}
	if req.AutoSpeak != nil {
		h.pipeline.SetAutoSpeak(*req.AutoSpeak)
	}
	h.saveSettings(r)
	WriteJSON(w, http.StatusOK, h.current())
}

func (h *SessionHandler) current() history.Settings {
	st := h.pipeline.Status()
	return history.Settings{Source: st.SourceLanguage, Target: st.TargetLanguage, AutoSpeak: st.AutoSpeak}
}

// saveSettings persists the current settings. A failed save is logged; the
// change itself already took effect.
func (h *SessionHandler) saveSettings(r *http.Request) {
	if h.store == nil {
		return
	}
	if err := h.store.SaveSettings(r.Context(), h.current()); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("failed to save settings")
	}
}

// Routes registers session routes on the given router.
func (h *SessionHandler) Routes(r chi.Router) {
	r.Get("/session", h.GetSession)
	r.Put("/session/source", h.SetSource)
	r.Put("/session/target", h.SetTarget)
	r.Post("/listen/start", h.StartListening)
	r.Post("/listen/stop", h.StopListening)
	r.Post("/translate", h.Translate)
	r.Get("/settings", h.GetSettings)
	r.Put("/settings", h.PutSettings)
}
