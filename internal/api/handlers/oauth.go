package handlers

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/tokengate/tokengate/internal/api/middleware"
	"github.com/tokengate/tokengate/internal/api/respond"
	"github.com/tokengate/tokengate/internal/oauth"
)

// OAuthStart begins a credential flow: it persists a state nonce bound to
// the admin session and redirects the browser to the provider.
func (h *Handlers) OAuthStart(w http.ResponseWriter, r *http.Request) {
	session := middleware.SessionFromContext(r.Context())
	if session == nil {
		respond.Fail(w, respond.CodeUnauthorized, "authentication required")
		return
	}

	authURL, err := h.OAuth.Start(r.Context(), session.ID, chi.URLParam(r, "provider"))
	if err != nil {
		respond.Err(w, err)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// OAuthCallback finishes a credential flow. The provider redirects the
// browser here; the admin cookie may or may not ride along, so the session
// binding is enforced only when it does. Outcomes land back on the UI as
// query parameters.
func (h *Handlers) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	if denied := r.URL.Query().Get("error"); denied != "" {
		h.redirectOutcome(w, r, provider, "error", denied)
		return
	}

	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		badRequest(w, "state and code are required")
		return
	}

	var sessionID string
	if cookie, err := r.Cookie(middleware.SessionCookie); err == nil {
		sessionID = cookie.Value
	}

	_, err := h.OAuth.Callback(r.Context(), sessionID, provider, state, code)
	switch {
	case err == nil:
		h.redirectOutcome(w, r, provider, "success", "")
	case errors.Is(err, oauth.ErrUnknownProvider), errors.Is(err, oauth.ErrStateInvalid):
		respond.Err(w, err)
	default:
		log.Error().Err(err).Str("provider", provider).Msg("OAuth callback failed")
		h.redirectOutcome(w, r, provider, "error", "token exchange failed")
	}
}

// redirectOutcome sends the browser back to the UI with the flow result.
func (h *Handlers) redirectOutcome(w http.ResponseWriter, r *http.Request, provider, outcome, reason string) {
	q := url.Values{}
	q.Set("oauth", outcome)
	q.Set("provider", provider)
	if reason != "" {
		q.Set("reason", reason)
	}
	http.Redirect(w, r, h.PublicBaseURL+"/?"+q.Encode(), http.StatusFound)
}
