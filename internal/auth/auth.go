// Package auth implements the admin control plane's authentication: the
// one-way password bootstrap, session issuance with sliding expiry, and the
// background expiry sweep.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tokengate/tokengate/internal/crypto"
	"github.com/tokengate/tokengate/internal/store"
	"github.com/tokengate/tokengate/pkg/models"
)

const (
	// settingAdminDigest is the settings key holding the admin password hash.
	settingAdminDigest = "admin_password_hash"

	// SessionTTL is the sliding window each admin request extends.
	SessionTTL = 7 * 24 * time.Hour
	// SessionMaxAge caps a session's total lifetime regardless of activity.
	SessionMaxAge = 30 * 24 * time.Hour

	// sweepInterval is how often expired sessions and OAuth states are
	// deleted.
	sweepInterval = time.Hour
)

var (
	// ErrBadCredentials covers wrong passwords and missing bootstrap.
	ErrBadCredentials = errors.New("invalid credentials")
	// ErrNoSession covers missing, unknown, and expired sessions.
	ErrNoSession = errors.New("no valid session")
)

// Service manages admin authentication state.
type Service struct {
	store store.Store
}

// NewService builds the auth service.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// Bootstrap stores the hash of envPassword if no admin digest exists yet.
// Once a digest is present the environment value is ignored for good; the
// bootstrap is one-way.
func (s *Service) Bootstrap(ctx context.Context, envPassword string) error {
	_, exists, err := s.store.GetSetting(ctx, settingAdminDigest)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if envPassword == "" {
		return errors.New("no admin password configured: set ADMIN_PASSWORD for first run")
	}

	digest, err := crypto.HashSecret(envPassword)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	if err := s.store.SetSetting(ctx, settingAdminDigest, digest); err != nil {
		return err
	}
	log.Info().Msg("Admin password bootstrapped from environment")
	return nil
}

// Login verifies the password and issues a session with a CSRF token.
func (s *Service) Login(ctx context.Context, password string) (*models.Session, error) {
	digest, exists, err := s.store.GetSetting(ctx, settingAdminDigest)
	if err != nil {
		return nil, err
	}
	if !exists || !crypto.VerifySecret(password, digest) {
		return nil, ErrBadCredentials
	}

	id, err := crypto.NewSessionToken()
	if err != nil {
		return nil, err
	}
	csrf, err := crypto.NewSessionToken()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	session := &models.Session{
		ID:           id,
		CSRFToken:    csrf,
		ExpiresAt:    now.Add(SessionTTL),
		CreatedAt:    now,
		LastAccessed: now,
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	log.Info().Msg("Admin logged in")
	return session, nil
}

// Logout deletes the session row; the cookies are cleared by the handler.
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	return s.store.DeleteSession(ctx, sessionID)
}

// Validate checks a session id and slides its expiry forward, capped at the
// session's hard maximum age.
func (s *Service) Validate(ctx context.Context, sessionID string) (*models.Session, error) {
	if sessionID == "" {
		return nil, ErrNoSession
	}
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			return nil, ErrNoSession
		}
		return nil, err
	}

	now := time.Now().UTC()
	if now.After(session.ExpiresAt) {
		_ = s.store.DeleteSession(ctx, sessionID)
		return nil, ErrNoSession
	}

	extended := now.Add(SessionTTL)
	if cap := session.CreatedAt.Add(SessionMaxAge); extended.After(cap) {
		extended = cap
	}
	if err := s.store.TouchSession(ctx, sessionID, extended); err != nil {
		log.Warn().Err(err).Msg("Could not extend session")
	} else {
		session.ExpiresAt = extended
		session.LastAccessed = now
	}
	return session, nil
}

// VerifyCSRF compares a submitted token against the session's in constant
// time.
func VerifyCSRF(session *models.Session, token string) bool {
	return token != "" &&
		subtle.ConstantTimeCompare([]byte(session.CSRFToken), []byte(token)) == 1
}

// Sweep deletes expired sessions and OAuth states until ctx is canceled.
func (s *Service) Sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.store.DeleteExpiredSessions(ctx); err != nil {
				log.Warn().Err(err).Msg("Session sweep failed")
			} else if n > 0 {
				log.Info().Int64("deleted", n).Msg("Expired sessions swept")
			}
			if n, err := s.store.DeleteExpiredOAuthStates(ctx); err != nil {
				log.Warn().Err(err).Msg("OAuth state sweep failed")
			} else if n > 0 {
				log.Info().Int64("deleted", n).Msg("Expired OAuth states swept")
			}
		}
	}
}
