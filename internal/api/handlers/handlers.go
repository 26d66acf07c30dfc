// Package handlers implements the HTTP handlers for the admin control plane,
// the OAuth browser flows, and the OpenAI-compatible data plane.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tokengate/tokengate/internal/api/respond"
	"github.com/tokengate/tokengate/internal/auth"
	"github.com/tokengate/tokengate/internal/gateway"
	"github.com/tokengate/tokengate/internal/oauth"
	"github.com/tokengate/tokengate/internal/providers"
	"github.com/tokengate/tokengate/internal/store"
	"github.com/tokengate/tokengate/internal/supervisor"
	"github.com/tokengate/tokengate/internal/usage"
	"github.com/tokengate/tokengate/internal/users"
)

// maxBodySize bounds admin request bodies.
const maxBodySize = 1 << 20

// Handlers carries the service dependencies for every route.
type Handlers struct {
	Auth      *auth.Service
	Users     *users.Service
	Providers *providers.Service
	Usage     *usage.Recorder
	OAuth     *oauth.Flow
	Proxy     *supervisor.Supervisor
	Forwarder *gateway.Forwarder
	Store     store.Store

	// PublicBaseURL is where OAuth callbacks redirect the browser back to.
	PublicBaseURL string
	Version       string
	StartedAt     time.Time
}

// decode reads a JSON request body into v.
func decode(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return errors.New("empty request body")
	}
	return json.Unmarshal(body, v)
}

// idParam parses a numeric chi URL parameter.
func idParam(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil && id > 0
}

// queryInt parses an integer query parameter with a fallback.
func queryInt(r *http.Request, name string, fallback int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

// queryUserID parses an optional user_id query parameter.
func queryUserID(r *http.Request) (*int64, bool) {
	v := r.URL.Query().Get("user_id")
	if v == "" {
		return nil, true
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return nil, false
	}
	return &id, true
}

func badRequest(w http.ResponseWriter, msg string) {
	respond.Fail(w, respond.CodeValidation, msg)
}
