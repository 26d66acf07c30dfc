package handlers

import (
	"net/http"

	"github.com/tokengate/tokengate/internal/api/middleware"
	"github.com/tokengate/tokengate/internal/api/respond"
)

// Login verifies the admin password and issues the session + CSRF cookie
// pair.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := decode(r, &req); err != nil {
		badRequest(w, "password is required")
		return
	}

	session, err := h.Auth.Login(r.Context(), req.Password)
	if err != nil {
		respond.Err(w, err)
		return
	}

	middleware.SetSessionCookies(w, session)
	respond.JSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"expires_at": session.ExpiresAt,
	})
}

// Logout deletes the session and expires both cookies. Logging out without a
// session still clears the cookies.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(middleware.SessionCookie); err == nil {
		if err := h.Auth.Logout(r.Context(), cookie.Value); err != nil {
			respond.Err(w, err)
			return
		}
	}
	middleware.ClearSessionCookies(w)
	respond.JSON(w, http.StatusOK, map[string]any{"success": true})
}

// AuthStatus reports whether the caller holds a valid admin session. Always
// 200; the answer is in the body so the UI can poll it without tripping
// error handling.
func (h *Handlers) AuthStatus(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(middleware.SessionCookie)
	if err != nil {
		respond.JSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	session, err := h.Auth.Validate(r.Context(), cookie.Value)
	if err != nil {
		respond.JSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"expires_at":    session.ExpiresAt,
	})
}
