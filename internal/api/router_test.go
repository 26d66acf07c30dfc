package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokengate/tokengate/internal/api/handlers"
	"github.com/tokengate/tokengate/internal/api/middleware"
	"github.com/tokengate/tokengate/internal/auth"
	"github.com/tokengate/tokengate/internal/config"
	"github.com/tokengate/tokengate/internal/configgen"
	"github.com/tokengate/tokengate/internal/crypto"
	"github.com/tokengate/tokengate/internal/gateway"
	"github.com/tokengate/tokengate/internal/oauth"
	"github.com/tokengate/tokengate/internal/providers"
	"github.com/tokengate/tokengate/internal/store"
	"github.com/tokengate/tokengate/internal/supervisor"
	"github.com/tokengate/tokengate/internal/usage"
	"github.com/tokengate/tokengate/internal/users"
	"github.com/tokengate/tokengate/pkg/models"
)

const adminPassword = "correct horse"

type testEnv struct {
	router  http.Handler
	store   *store.SQLite
	cookies []*http.Cookie
	csrf    string
}

// envOverrides lets a test swap the forwarder's upstream or refresher for a
// controlled fake; everything else stays real.
type envOverrides struct {
	upstream  gateway.Upstream
	refresher gateway.Refresher
}

func newTestEnv(t *testing.T, opts ...func(*envOverrides)) *testEnv {
	t.Helper()

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	authSvc := auth.NewService(st)
	require.NoError(t, authSvc.Bootstrap(context.Background(), adminPassword))

	key := make([]byte, 32)
	box, err := crypto.NewBox(key)
	require.NoError(t, err)

	gen := configgen.New(st, t.TempDir())
	mgmt := supervisor.NewManagement("http://127.0.0.1:0", "test-key")
	sup := supervisor.New(gen, st.ServerConfig, supervisor.Options{
		Binary:     "/nonexistent/sidecar",
		ConfigPath: filepath.Join(t.TempDir(), "proxy.yaml"),
		Management: mgmt,
	})

	registry := oauth.NewRegistry(config.OAuthConfig{PublicBaseURL: "http://localhost:3000"})
	flow := oauth.NewFlow(st, box, registry, sup)

	userSvc := users.NewService(st)
	recorder := usage.NewRecorder(st)

	ov := envOverrides{upstream: sup, refresher: flow}
	for _, opt := range opts {
		opt(&ov)
	}
	forwarder := gateway.NewForwarder(ov.upstream, recorder, ov.refresher, 5*time.Second)

	h := &handlers.Handlers{
		Auth:          authSvc,
		Users:         userSvc,
		Providers:     providers.NewService(st, sup, mgmt),
		Usage:         recorder,
		OAuth:         flow,
		Proxy:         sup,
		Forwarder:     forwarder,
		Store:         st,
		PublicBaseURL: "http://localhost:3000",
		Version:       "test",
		StartedAt:     time.Now().UTC(),
	}

	router := NewRouter(Options{
		Handlers: h,
		Auth:     authSvc,
		Users:    userSvc,
		Limiter:  middleware.NewRateLimiter(1000),
	})

	return &testEnv{router: router, store: st}
}

// login performs the login request and captures the cookie pair.
func (e *testEnv) login(t *testing.T) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/auth/login", map[string]any{"password": adminPassword})
	require.Equal(t, http.StatusOK, rec.Code)

	e.cookies = rec.Result().Cookies()
	for _, c := range e.cookies {
		if c.Name == middleware.CSRFCookie {
			e.csrf = c.Value
		}
	}
	require.NotEmpty(t, e.csrf)
}

// do sends a request carrying the captured session cookies and CSRF header.
func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for _, c := range e.cookies {
		req.AddCookie(c)
	}
	if e.csrf != "" {
		req.Header.Set(middleware.CSRFHeader, e.csrf)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, true, body["database_connected"])
	assert.Equal(t, false, body["proxy_running"])
}

func TestLoginLogoutStatus(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/auth/status", nil)
	assert.Equal(t, false, decodeBody(t, rec)["authenticated"])

	rec = env.do(t, http.MethodPost, "/api/auth/login", map[string]any{"password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	env.login(t)

	rec = env.do(t, http.MethodGet, "/api/auth/status", nil)
	assert.Equal(t, true, decodeBody(t, rec)["authenticated"])

	rec = env.do(t, http.MethodPost, "/api/auth/logout", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// The session row is gone even though the client still holds cookies.
	rec = env.do(t, http.MethodGet, "/api/users", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminPlaneRequiresSession(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/api/users", "/api/providers", "/api/config", "/api/usage", "/api/logs", "/api/proxy/status"} {
		rec := env.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestCSRFEnforcedOnMutations(t *testing.T) {
	env := newTestEnv(t)
	env.login(t)

	csrf := env.csrf
	env.csrf = ""
	rec := env.do(t, http.MethodPost, "/api/users", map[string]any{"name": "alice"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	env.csrf = csrf
	rec = env.do(t, http.MethodPost, "/api/users", map[string]any{"name": "alice"})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestUserLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.login(t)

	rec := env.do(t, http.MethodPost, "/api/users", map[string]any{"name": "alice", "quota_tokens": 1000})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody(t, rec)
	apiKey, _ := created["api_key"].(string)
	assert.Contains(t, apiKey, "sk-alice-")
	user := created["user"].(map[string]any)
	assert.EqualValues(t, 1, user["id"])

	rec = env.do(t, http.MethodGet, "/api/users", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decodeBody(t, rec)["total"])

	// Duplicate names conflict.
	rec = env.do(t, http.MethodPost, "/api/users", map[string]any{"name": "alice"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Explicit null clears the quota.
	rec = env.do(t, http.MethodPut, "/api/users/1", map[string]any{"quota_tokens": nil})
	require.Equal(t, http.StatusOK, rec.Code)
	updated := decodeBody(t, rec)
	_, hasQuota := updated["quota_tokens"]
	assert.False(t, hasQuota)

	rec = env.do(t, http.MethodPost, "/api/users/1/regenerate-key", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	regen := decodeBody(t, rec)
	assert.NotEqual(t, apiKey, regen["api_key"])

	rec = env.do(t, http.MethodPost, "/api/users/1/reset-usage", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/users/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/users/1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerConfigRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.login(t)

	rec := env.do(t, http.MethodGet, "/api/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cfg := decodeBody(t, rec)
	assert.EqualValues(t, 8317, cfg["proxy_port"])

	rec = env.do(t, http.MethodPut, "/api/config", map[string]any{"proxy_port": 9000})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, true, body["restart_required"])

	// A no-op save needs no restart.
	rec = env.do(t, http.MethodPut, "/api/config", map[string]any{"proxy_port": 9000})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["restart_required"])

	// Rate limits are enforced in-process, so editing them never asks for a
	// sidecar restart.
	rec = env.do(t, http.MethodPut, "/api/config",
		map[string]any{"rate_limits": map[string]any{"requests_per_minute": 30}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["restart_required"])

	rec = env.do(t, http.MethodPut, "/api/config", map[string]any{"log_level": "loud"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/config", nil)
	assert.EqualValues(t, 9000, decodeBody(t, rec)["proxy_port"])
}

func TestUsageEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.login(t)

	rec := env.do(t, http.MethodPost, "/api/users", map[string]any{"name": "alice"})
	require.Equal(t, http.StatusCreated, rec.Code)

	require.NoError(t, env.store.LogUsage(context.Background(), &models.UsageLog{
		UserID:       1,
		Provider:     "openai",
		Model:        "gpt-4o",
		TokensInput:  120,
		TokensOutput: 40,
		DurationMS:   850,
		Status:       models.UsageStatusSuccess,
	}))

	rec = env.do(t, http.MethodGet, "/api/usage?period=day", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decodeBody(t, rec)
	assert.EqualValues(t, 1, stats["total_requests"])
	assert.EqualValues(t, 120, stats["total_tokens_input"])

	rec = env.do(t, http.MethodGet, "/api/usage?period=fortnight", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/usage/users/1?period=all", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/usage/users/99", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/usage/providers", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/usage/daily?days=7", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/logs?status=success", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decodeBody(t, rec)["total"])
}

func TestProxyStatusAndLogs(t *testing.T) {
	env := newTestEnv(t)
	env.login(t)

	rec := env.do(t, http.MethodGet, "/api/proxy/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["running"])

	rec = env.do(t, http.MethodGet, "/api/proxy/logs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestDataPlaneAuthChain(t *testing.T) {
	env := newTestEnv(t)
	env.login(t)

	rec := env.do(t, http.MethodPost, "/api/users", map[string]any{"name": "alice"})
	require.Equal(t, http.StatusCreated, rec.Code)
	apiKey := decodeBody(t, rec)["api_key"].(string)

	// No bearer key: 401 before anything else.
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString(`{}`))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Valid key but no running sidecar: PROVIDER_ERROR.
	req = httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString(`{"model":"gpt-4o"}`))
	req.Header.Set("Authorization", "Bearer "+apiKey)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadGateway, w.Code)

	var env2 struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env2))
	assert.Equal(t, "PROVIDER_ERROR", env2.Code)
}

type fixedUpstream string

func (u fixedUpstream) Endpoint() string { return string(u) }

type failingRefresher struct{}

func (failingRefresher) RefreshProvider(ctx context.Context, provider string) error {
	return errors.New("refresh tokens: token revoked")
}

func TestDataPlaneRefreshFailureRendersProviderError(t *testing.T) {
	// The sidecar rejects every attempt, so the replay-after-refresh path
	// runs and the refresh itself fails.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer upstream.Close()

	env := newTestEnv(t, func(ov *envOverrides) {
		ov.upstream = fixedUpstream(upstream.URL)
		ov.refresher = failingRefresher{}
	})
	env.login(t)

	rec := env.do(t, http.MethodPost, "/api/users", map[string]any{"name": "alice"})
	require.Equal(t, http.StatusCreated, rec.Code)
	apiKey := decodeBody(t, rec)["api_key"].(string)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		bytes.NewBufferString(`{"model":"claude-sonnet-4"}`))
	req.Header.Set("Authorization", "Bearer "+apiKey)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	// An expired provider credential is an upstream fault, not an internal
	// one.
	assert.Equal(t, http.StatusBadGateway, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "PROVIDER_ERROR", body["code"])
	assert.Equal(t, false, body["success"])
}

func TestProviderRoutes(t *testing.T) {
	env := newTestEnv(t)
	env.login(t)

	rec := env.do(t, http.MethodGet, "/api/providers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody(t, rec)["providers"])

	rec = env.do(t, http.MethodGet, "/api/providers/claude", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/providers/claude/health", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, env.store.CreateProvider(context.Background(), &models.Provider{
		Name: "claude",
		Kind: models.ProviderKindOAuth,
	}))

	rec = env.do(t, http.MethodGet, "/api/providers/claude", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "claude", decodeBody(t, rec)["name"])

	// Known provider but no sidecar to answer the probe.
	rec = env.do(t, http.MethodGet, "/api/providers/claude/health", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestOAuthStartRequiresSession(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/oauth/claude/start", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOAuthStartUnconfigured(t *testing.T) {
	env := newTestEnv(t)
	env.login(t)

	// No client credentials registered in this environment.
	rec := env.do(t, http.MethodGet, "/oauth/claude/start", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/oauth/mystery/start", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
