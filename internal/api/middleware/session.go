// Package middleware holds the HTTP middleware for both planes: admin
// session + CSRF enforcement, data-plane API-key auth, the quota gate, the
// per-key rate limiter, and the ambient logging/tracing wrappers.
package middleware

import (
	"context"
	"net/http"

	"github.com/tokengate/tokengate/internal/api/respond"
	"github.com/tokengate/tokengate/internal/auth"
	"github.com/tokengate/tokengate/pkg/models"
)

// Cookie names for the admin plane. The CSRF cookie is deliberately not
// HttpOnly: the UI reads it and echoes it back in the header.
const (
	SessionCookie = "tokengate_session"
	CSRFCookie    = "csrf_token"
	CSRFHeader    = "X-CSRF-Token"
)

type ctxKey int

const (
	sessionKey ctxKey = iota
	userKey
)

// SessionFromContext returns the admin session attached by SessionAuth.
func SessionFromContext(ctx context.Context) *models.Session {
	s, _ := ctx.Value(sessionKey).(*models.Session)
	return s
}

// UserFromContext returns the data-plane user attached by APIKeyAuth.
func UserFromContext(ctx context.Context) *models.User {
	u, _ := ctx.Value(userKey).(*models.User)
	return u
}

// SessionAuth validates the admin session cookie and attaches the session
// to the request context. Validation slides the session expiry.
func SessionAuth(authSvc *auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(SessionCookie)
			if err != nil {
				respond.Fail(w, respond.CodeUnauthorized, "authentication required")
				return
			}
			session, err := authSvc.Validate(r.Context(), cookie.Value)
			if err != nil {
				respond.Err(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), sessionKey, session)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CSRF enforces the double-submit check on mutating methods: the header
// token must match the session's CSRF token. Reads pass through.
func CSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}

		session := SessionFromContext(r.Context())
		if session == nil {
			respond.Fail(w, respond.CodeUnauthorized, "authentication required")
			return
		}
		if !auth.VerifyCSRF(session, r.Header.Get(CSRFHeader)) {
			respond.Fail(w, respond.CodeForbidden, "CSRF token mismatch")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SetSessionCookies issues the paired session + CSRF cookies after login.
func SetSessionCookies(w http.ResponseWriter, session *models.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    session.ID,
		Path:     "/",
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookie,
		Value:    session.CSRFToken,
		Path:     "/",
		Expires:  session.ExpiresAt,
		HttpOnly: false,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
}

// ClearSessionCookies expires both cookies on logout.
func ClearSessionCookies(w http.ResponseWriter) {
	for _, name := range []string{SessionCookie, CSRFCookie} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: name == SessionCookie,
			Secure:   true,
			SameSite: http.SameSiteStrictMode,
		})
	}
}
