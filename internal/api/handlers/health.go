package handlers

import (
	"net/http"
	"time"

	"github.com/tokengate/tokengate/internal/api/respond"
)

// Healthz is the unauthenticated liveness probe.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	respond.JSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// Health serves the rich health view: process uptime, sidecar state, and
// database reachability. Degraded states still answer 200; the body carries
// the detail.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	dbOK := h.Store.Ping(r.Context()) == nil
	proxy := h.Proxy.Status()

	status := "ok"
	if !dbOK {
		status = "degraded"
	}

	respond.JSON(w, http.StatusOK, map[string]any{
		"status":             status,
		"version":            h.Version,
		"uptime_seconds":     int64(time.Since(h.StartedAt).Seconds()),
		"database_connected": dbOK,
		"proxy_running":      proxy.Running,
		"proxy_pid":          proxy.PID,
		"proxy_port":         proxy.Port,
	})
}
