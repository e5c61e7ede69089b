package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
)

// CredentialStore holds provider credentials. Values are write-only over
// the API.
type CredentialStore interface {
	Has(provider string) bool
	Set(provider, value string) error
	Delete(provider string) error
}

type CredentialsHandler struct {
	store     CredentialStore
	providers []string
}

func NewCredentialsHandler(store CredentialStore, providers []string) *CredentialsHandler {
	return &CredentialsHandler{store: store, providers: providers}
}

type credentialRequest struct {
	Provider   string `json:"provider"`
	Credential string `json:"credential"`
}

// ListCredentials reports which known providers have a credential.
func (h *CredentialsHandler) ListCredentials(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]bool, len(h.providers))
	for _, p := range h.providers {
		out[p] = h.store != nil && h.store.Has(p)
	}
	WriteJSON(w, http.StatusOK, out)
}

func (h *CredentialsHandler) PutCredential(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		WriteError(w, http.StatusServiceUnavailable, "credential storage not configured")
		return
	}
	var req credentialRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	req.Provider = strings.TrimSpace(req.Provider)
	if !h.known(req.Provider) {
		WriteErrorDetail(w, http.StatusBadRequest, "unknown provider", req.Provider)
		return
	}
	if strings.TrimSpace(req.Credential) == "" {
		WriteError(w, http.StatusBadRequest, "credential is required")
		return
	}
	if err := h.store.Set(req.Provider, req.Credential); err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("provider", req.Provider).Msg("failed to save credential")
		WriteError(w, http.StatusInternalServerError, "failed to save credential")
		return
	}
	hlog.FromRequest(r).Info().Str("provider", req.Provider).Msg("credential updated")
	w.WriteHeader(http.StatusNoContent)
}

// DeleteCredential removes the credential named by ?provider=.
func (h *CredentialsHandler) DeleteCredential(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		WriteError(w, http.StatusServiceUnavailable, "credential storage not configured")
		return
	}
	provider := strings.TrimSpace(r.URL.Query().Get("provider"))
	if !h.known(provider) {
		WriteErrorDetail(w, http.StatusBadRequest, "unknown provider", provider)
		return
	}
	if err := h.store.Delete(provider); err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("provider", provider).Msg("failed to delete credential")
		WriteError(w, http.StatusInternalServerError, "failed to delete credential")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CredentialsHandler) known(provider string) bool {
	for _, p := range h.providers {
		if p == provider {
			return true
		}
	}
	return false
}

// Routes registers credential routes on the given router.
func (h *CredentialsHandler) Routes(r chi.Router) {
	r.Get("/credentials", h.ListCredentials)
	r.Put("/credentials", h.PutCredential)
	r.Delete("/credentials", h.DeleteCredential)
}
