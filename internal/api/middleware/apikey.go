package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/tokengate/tokengate/internal/api/respond"
	"github.com/tokengate/tokengate/internal/users"
)

// APIKeyAuth validates the data-plane bearer key and attaches the resolved
// user to the request context. Disabled users and bad keys both get 401;
// the distinction shows up only in server logs.
func APIKeyAuth(userSvc *users.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bearer := bearerToken(r)
			if bearer == "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="tokengate"`)
				respond.Fail(w, respond.CodeUnauthorized, "API key required")
				return
			}
			user, err := userSvc.Authenticate(r.Context(), bearer)
			if err != nil {
				respond.Err(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), userKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// QuotaGate rejects requests from users who have consumed their quota. Runs
// after APIKeyAuth.
func QuotaGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := UserFromContext(r.Context())
		if user == nil {
			respond.Fail(w, respond.CodeUnauthorized, "API key required")
			return
		}
		if user.OverQuota() {
			respond.Fail(w, respond.CodeQuotaExceeded, "token quota exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if v, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(v)
	}
	return ""
}
