// Package server assembles the TokenGate process: storage, crypto, the
// sidecar supervisor, OAuth flows, the data-plane forwarder, and the HTTP
// router. It exists in pkg/ so an embedding binary can compose the server
// with its own wrapping middleware.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tokengate/tokengate/internal/api"
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
	"github.com/tokengate/tokengate/internal/telemetry"
	"github.com/tokengate/tokengate/internal/usage"
	"github.com/tokengate/tokengate/internal/users"
)

// Server is the initialized TokenGate control plane.
type Server struct {
	Handler http.Handler
	Store   store.Store
	Port    int

	supervisor *supervisor.Supervisor
	lockPath   string
	cancel     context.CancelFunc
	otelStop   func(context.Context) error
}

// New initializes every component from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the server with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := acquireLock(cfg.LockFilePath()); err != nil {
		return nil, err
	}

	otelStop, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		releaseLock(cfg.LockFilePath())
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		releaseLock(cfg.LockFilePath())
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		releaseLock(cfg.LockFilePath())
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	log.Info().Str("path", cfg.DBPath).Msg("Database ready")

	key, err := crypto.ParseKey(cfg.EncryptionKey)
	if err != nil {
		st.Close()
		releaseLock(cfg.LockFilePath())
		return nil, fmt.Errorf("ENCRYPTION_KEY: %w", err)
	}
	box, err := crypto.NewBox(key)
	if err != nil {
		st.Close()
		releaseLock(cfg.LockFilePath())
		return nil, err
	}

	authSvc := auth.NewService(st)
	if err := authSvc.Bootstrap(ctx, cfg.AdminPassword); err != nil {
		st.Close()
		releaseLock(cfg.LockFilePath())
		return nil, err
	}

	// Sidecar supervision. The generator renders the sidecar's YAML from
	// database state; the supervisor owns the process.
	gen := configgen.New(st, filepath.Join(cfg.DataDir, "auth"))
	mgmt := supervisor.NewManagement(cfg.Sidecar.ManagementURL, cfg.Sidecar.ManagementKey)
	sup := supervisor.New(gen, st.ServerConfig, supervisor.Options{
		Binary:     cfg.Sidecar.BinaryPath,
		ConfigPath: cfg.ConfigYAMLPath(),
		Management: mgmt,
	})

	registry := oauth.NewRegistry(cfg.OAuth)
	flow := oauth.NewFlow(st, box, registry, sup)

	userSvc := users.NewService(st)
	providerSvc := providers.NewService(st, sup, mgmt)
	recorder := usage.NewRecorder(st)
	janitor := usage.NewJanitor(st, 24*time.Hour, usage.DefaultRetentionDays)
	forwarder := gateway.NewForwarder(sup, recorder, flow, cfg.Timeouts.Forward)

	sc, err := st.ServerConfig(ctx)
	if err != nil {
		st.Close()
		releaseLock(cfg.LockFilePath())
		return nil, fmt.Errorf("load server config: %w", err)
	}
	rpm := sc.RateLimits.RequestsPerMinute
	if rpm < 1 {
		rpm = cfg.RateLimit.RequestsPerMinute
	}

	h := &handlers.Handlers{
		Auth:          authSvc,
		Users:         userSvc,
		Providers:     providerSvc,
		Usage:         recorder,
		OAuth:         flow,
		Proxy:         sup,
		Forwarder:     forwarder,
		Store:         st,
		PublicBaseURL: cfg.OAuth.PublicBaseURL,
		Version:       cfg.Version,
		StartedAt:     time.Now().UTC(),
	}

	router := api.NewRouter(api.Options{
		Handlers:       h,
		Auth:           authSvc,
		Users:          userSvc,
		Limiter:        middleware.NewRateLimiter(rpm),
		AllowedOrigins: []string{cfg.OAuth.PublicBaseURL},
		Telemetry:      cfg.Telemetry.Enabled,
		AdminTimeout:   cfg.Timeouts.Admin,
	})

	// Background work runs until Shutdown cancels it.
	bgCtx, cancel := context.WithCancel(context.Background())
	go authSvc.Sweep(bgCtx)
	go janitor.Start(bgCtx)

	if sc.AutoStartProxy {
		go func() {
			startCtx, done := context.WithTimeout(bgCtx, time.Minute)
			defer done()
			if err := sup.Start(startCtx); err != nil {
				log.Error().Err(err).Msg("Sidecar auto-start failed, start it from the admin UI")
			}
		}()
	}

	return &Server{
		Handler:    router,
		Store:      st,
		Port:       cfg.Port,
		supervisor: sup,
		lockPath:   cfg.LockFilePath(),
		cancel:     cancel,
		otelStop:   otelStop,
	}, nil
}

// Shutdown stops background work, the sidecar, telemetry, and storage, then
// releases the process lock.
func (s *Server) Shutdown(ctx context.Context) {
	s.cancel()
	if err := s.supervisor.Stop(ctx); err != nil {
		log.Warn().Err(err).Msg("Sidecar stop during shutdown failed")
	}
	if err := s.otelStop(ctx); err != nil {
		log.Warn().Err(err).Msg("Telemetry shutdown failed")
	}
	if err := s.Store.Close(); err != nil {
		log.Warn().Err(err).Msg("Store close failed")
	}
	releaseLock(s.lockPath)
}

// acquireLock takes the single-process lock. A stale file from a crashed
// process must be removed by the operator; the PID inside says who held it.
func acquireLock(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			held, _ := os.ReadFile(path)
			return fmt.Errorf("another instance appears to be running (lock %s held by pid %s); remove the file if it is stale", path, string(held))
		}
		return fmt.Errorf("create lock file: %w", err)
	}
	defer f.Close()
	_, err = f.WriteString(strconv.Itoa(os.Getpid()))
	return err
}

func releaseLock(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", path).Msg("Could not remove lock file")
	}
}
