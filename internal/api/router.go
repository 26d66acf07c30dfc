// Package api assembles the HTTP router: the admin control plane under
// /api, the OAuth browser flows under /oauth, and the OpenAI-compatible data
// plane under /v1.
package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/tokengate/tokengate/internal/api/handlers"
	"github.com/tokengate/tokengate/internal/api/middleware"
	"github.com/tokengate/tokengate/internal/auth"
	"github.com/tokengate/tokengate/internal/users"
)

// Options configures router construction.
type Options struct {
	Handlers *handlers.Handlers
	Auth     *auth.Service
	Users    *users.Service
	Limiter  *middleware.RateLimiter

	// AllowedOrigins feeds CORS for the admin UI. Empty allows same-origin
	// only.
	AllowedOrigins []string
	Telemetry      bool

	// AdminTimeout bounds admin-plane requests. The data plane is exempt:
	// completions stream for longer than any admin call.
	AdminTimeout time.Duration
}

// NewRouter builds the full route tree.
func NewRouter(opts Options) chi.Router {
	h := opts.Handlers

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger)
	r.Use(chimw.Recoverer)
	if opts.Telemetry {
		r.Use(middleware.Telemetry)
	}
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.CSRFHeader},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	// Probes and login are reachable without a session.
	r.Get("/healthz", h.Healthz)
	r.Get("/api/health", h.Health)

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/login", h.Login)
		r.Post("/logout", h.Logout)
		r.Get("/status", h.AuthStatus)
	})

	// Admin control plane: session cookie plus CSRF on mutations.
	r.Route("/api", func(r chi.Router) {
		if opts.AdminTimeout > 0 {
			r.Use(chimw.Timeout(opts.AdminTimeout))
		}
		r.Use(middleware.SessionAuth(opts.Auth))
		r.Use(middleware.CSRF)

		r.Route("/users", func(r chi.Router) {
			r.Get("/", h.ListUsers)
			r.Post("/", h.CreateUser)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetUser)
				r.Put("/", h.UpdateUser)
				r.Delete("/", h.DeleteUser)
				r.Post("/regenerate-key", h.RegenerateKey)
				r.Post("/reset-usage", h.ResetUsage)
			})
		})

		r.Route("/providers", func(r chi.Router) {
			r.Get("/", h.ListProviders)
			r.Get("/health", h.ProvidersHealth)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", h.GetProvider)
				r.Delete("/", h.DeleteProvider)
				r.Get("/health", h.ProviderHealth)
				r.Put("/settings", h.UpdateProviderSettings)
				r.Delete("/accounts/{id}", h.DeleteProviderAccount)
			})
		})

		r.Route("/proxy", func(r chi.Router) {
			r.Get("/status", h.ProxyStatus)
			r.Get("/logs", h.ProxyLogs)
			r.Post("/start", h.ProxyStart)
			r.Post("/stop", h.ProxyStop)
			r.Post("/restart", h.ProxyRestart)
		})

		r.Get("/config", h.GetConfig)
		r.Put("/config", h.UpdateConfig)

		r.Route("/usage", func(r chi.Router) {
			r.Get("/", h.UsageStats)
			r.Get("/users/{id}", h.UserUsage)
			r.Get("/providers", h.ProviderUsage)
			r.Get("/daily", h.DailyUsage)
		})

		r.Get("/logs", h.ListLogs)
	})

	// OAuth browser flows. Start requires the admin session; the provider's
	// callback arrives cookie-optional.
	r.Route("/oauth/{provider}", func(r chi.Router) {
		r.With(middleware.SessionAuth(opts.Auth)).Get("/start", h.OAuthStart)
		r.Get("/callback", h.OAuthCallback)
	})

	// Data plane: API key, quota, then rate limit.
	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(opts.Users))
		r.Use(middleware.QuotaGate)
		r.Use(opts.Limiter.Middleware)

		r.Get("/models", h.ForwardOpenAI)
		r.Post("/chat/completions", h.ForwardOpenAI)
		r.Post("/completions", h.ForwardOpenAI)
		r.Post("/embeddings", h.ForwardOpenAI)
	})

	return r
}
