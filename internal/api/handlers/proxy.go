package handlers

import (
	"net/http"

	"github.com/tokengate/tokengate/internal/api/respond"
)

// ProxyStatus reports the sidecar's state.
func (h *Handlers) ProxyStatus(w http.ResponseWriter, r *http.Request) {
	respond.JSON(w, http.StatusOK, h.Proxy.Status())
}

// ProxyStart launches the sidecar. Idempotent when it is already healthy.
func (h *Handlers) ProxyStart(w http.ResponseWriter, r *http.Request) {
	if err := h.Proxy.Start(r.Context()); err != nil {
		respond.Fail(w, respond.CodeProvider, err.Error())
		return
	}
	respond.JSON(w, http.StatusOK, h.Proxy.Status())
}

// ProxyStop terminates the sidecar.
func (h *Handlers) ProxyStop(w http.ResponseWriter, r *http.Request) {
	if err := h.Proxy.Stop(r.Context()); err != nil {
		respond.Fail(w, respond.CodeProvider, err.Error())
		return
	}
	respond.JSON(w, http.StatusOK, h.Proxy.Status())
}

// ProxyRestart stops then starts the sidecar.
func (h *Handlers) ProxyRestart(w http.ResponseWriter, r *http.Request) {
	if err := h.Proxy.Restart(r.Context()); err != nil {
		respond.Fail(w, respond.CodeProvider, err.Error())
		return
	}
	respond.JSON(w, http.StatusOK, h.Proxy.Status())
}

// ProxyLogs serves the tail of the sidecar's captured output.
func (h *Handlers) ProxyLogs(w http.ResponseWriter, r *http.Request) {
	lines := queryInt(r, "lines", 100)
	respond.JSON(w, http.StatusOK, map[string]any{
		"logs": h.Proxy.Logs().Recent(lines),
	})
}
