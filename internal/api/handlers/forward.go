package handlers

import (
	"net/http"

	"github.com/tokengate/tokengate/internal/api/middleware"
	"github.com/tokengate/tokengate/internal/api/respond"
)

// ForwardOpenAI proxies an OpenAI-compatible data-plane request to the
// sidecar. One handler serves models, chat completions, completions, and
// embeddings; the sidecar routes by path.
func (h *Handlers) ForwardOpenAI(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	if user == nil {
		respond.Fail(w, respond.CodeUnauthorized, "API key required")
		return
	}
	if err := h.Forwarder.Forward(w, r, user); err != nil {
		respond.Err(w, err)
	}
}
