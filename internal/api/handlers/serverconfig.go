package handlers

import (
	"maps"
	"net/http"

	"github.com/tokengate/tokengate/internal/api/respond"
	"github.com/tokengate/tokengate/pkg/models"
)

// GetConfig serves the persisted server configuration.
func (h *Handlers) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.Store.ServerConfig(r.Context())
	if err != nil {
		respond.Err(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, cfg)
}

// UpdateConfig validates and persists the server configuration. Changes that
// only take effect inside the sidecar report restart_required so the admin
// can bounce the proxy when ready.
func (h *Handlers) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	current, err := h.Store.ServerConfig(r.Context())
	if err != nil {
		respond.Err(w, err)
		return
	}

	next := current
	if err := decode(r, &next); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if msg := validateServerConfig(next); msg != "" {
		badRequest(w, msg)
		return
	}

	if err := h.Store.SetServerConfig(r.Context(), next); err != nil {
		respond.Err(w, err)
		return
	}

	respond.JSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"restart_required": restartRequired(current, next),
	})
}

func validateServerConfig(cfg models.ServerConfig) string {
	if cfg.ProxyPort < 1 || cfg.ProxyPort > 65535 {
		return "proxy_port must be between 1 and 65535"
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return "log_level must be one of debug, info, warn, error"
	}
	if cfg.RateLimits.RequestsPerMinute < 1 {
		return "rate_limits.requests_per_minute must be positive"
	}
	if cfg.RateLimits.TokensPerDay != nil && *cfg.RateLimits.TokensPerDay < 0 {
		return "rate_limits.tokens_per_day must be non-negative"
	}
	return ""
}

// restartRequired reports whether the edit touched anything baked into the
// generated sidecar config. Rate limits are not in that set: the gateway
// enforces them in-process and configgen leaves them out of the projection.
func restartRequired(prev, next models.ServerConfig) bool {
	return prev.ProxyPort != next.ProxyPort ||
		prev.LogLevel != next.LogLevel ||
		!maps.Equal(prev.ModelMappings, next.ModelMappings)
}
