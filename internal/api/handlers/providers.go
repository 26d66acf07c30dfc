package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tokengate/tokengate/internal/api/respond"
	"github.com/tokengate/tokengate/pkg/models"
)

// ListProviders serves every provider with its accounts.
func (h *Handlers) ListProviders(w http.ResponseWriter, r *http.Request) {
	list, err := h.Providers.List(r.Context())
	if err != nil {
		respond.Err(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"providers": list})
}

// GetProvider serves one provider with its accounts.
func (h *Handlers) GetProvider(w http.ResponseWriter, r *http.Request) {
	details, err := h.Providers.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		respond.Err(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, details)
}

// UpdateProviderSettings edits the enabled flag and/or the settings blob.
// Both fields are optional; the sidecar is reloaded after commit.
func (h *Handlers) UpdateProviderSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled  *bool                    `json:"enabled"`
		Settings *models.ProviderSettings `json:"settings"`
	}
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.Enabled == nil && req.Settings == nil {
		badRequest(w, "nothing to update")
		return
	}

	provider, err := h.Providers.UpdateSettings(r.Context(), chi.URLParam(r, "name"), req.Enabled, req.Settings)
	if err != nil {
		respond.Err(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, provider)
}

// DeleteProvider removes a provider and all its accounts.
func (h *Handlers) DeleteProvider(w http.ResponseWriter, r *http.Request) {
	if err := h.Providers.Delete(r.Context(), chi.URLParam(r, "name")); err != nil {
		respond.Err(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"success": true})
}

// DeleteProviderAccount removes one credential from a provider.
func (h *Handlers) DeleteProviderAccount(w http.ResponseWriter, r *http.Request) {
	accountID, ok := idParam(r, "id")
	if !ok {
		badRequest(w, "invalid account id")
		return
	}
	if err := h.Providers.DeleteAccount(r.Context(), chi.URLParam(r, "name"), accountID); err != nil {
		respond.Err(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"success": true})
}

// ProvidersHealth passes the sidecar's routing status for every provider
// through.
func (h *Handlers) ProvidersHealth(w http.ResponseWriter, r *http.Request) {
	raw, err := h.Providers.HealthCheck(r.Context())
	if err != nil {
		respond.Fail(w, respond.CodeProvider, "upstream proxy is not reachable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}

// ProviderHealth serves the routing status scoped to one known provider.
func (h *Handlers) ProviderHealth(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, err := h.Providers.Get(r.Context(), name); err != nil {
		respond.Err(w, err)
		return
	}
	raw, err := h.Providers.HealthCheck(r.Context())
	if err != nil {
		respond.Fail(w, respond.CodeProvider, "upstream proxy is not reachable")
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{
		"provider": name,
		"status":   raw,
	})
}
