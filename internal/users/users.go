// Package users implements user lifecycle management: creation with API-key
// issuance, key rotation, quota edits, and data-plane authentication.
package users

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/tokengate/tokengate/internal/crypto"
	"github.com/tokengate/tokengate/internal/store"
	"github.com/tokengate/tokengate/pkg/models"
)

var (
	// ErrInvalidName rejects empty or whitespace-only names.
	ErrInvalidName = errors.New("user name must be non-empty")
	// ErrInvalidQuota rejects negative quotas.
	ErrInvalidQuota = errors.New("quota must be non-negative")
	// ErrInvalidKey covers malformed, unknown, or non-verifying API keys.
	ErrInvalidKey = errors.New("invalid API key")
	// ErrDisabled means the key verified but the user is switched off.
	ErrDisabled = errors.New("user is disabled")
)

// Service is the user manager.
type Service struct {
	store store.Store
}

// NewService builds a user manager over the store.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// List returns one page of users plus the total count.
func (s *Service) List(ctx context.Context, page, limit int) ([]models.User, int64, error) {
	return s.store.ListUsers(ctx, page, limit)
}

// Get fetches a single user.
func (s *Service) Get(ctx context.Context, id int64) (*models.User, error) {
	return s.store.GetUser(ctx, id)
}

// Create validates the request, mints an API key, and stores the user. The
// plaintext key is returned exactly once and never again.
func (s *Service) Create(ctx context.Context, name string, quota *int64) (*models.User, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, "", ErrInvalidName
	}
	if quota != nil && *quota < 0 {
		return nil, "", ErrInvalidQuota
	}

	key, prefix, digest, err := crypto.GenerateAPIKey(name)
	if err != nil {
		return nil, "", fmt.Errorf("generate api key: %w", err)
	}

	user := &models.User{Name: name, APIKeyPrefix: prefix, QuotaTokens: quota}
	if err := s.store.CreateUser(ctx, user, digest); err != nil {
		return nil, "", err
	}

	log.Info().Int64("user", user.ID).Str("name", name).Msg("User created")
	return user, key, nil
}

// Update applies a partial edit.
func (s *Service) Update(ctx context.Context, id int64, update store.UserUpdate) (*models.User, error) {
	if update.Name != nil {
		trimmed := strings.TrimSpace(*update.Name)
		if trimmed == "" {
			return nil, ErrInvalidName
		}
		update.Name = &trimmed
	}
	if update.Quota != nil && *update.Quota < 0 {
		return nil, ErrInvalidQuota
	}
	return s.store.UpdateUser(ctx, id, update)
}

// Delete hard-deletes the user; usage rows cascade. Admins who want to keep
// history should disable instead.
func (s *Service) Delete(ctx context.Context, id int64) error {
	if err := s.store.DeleteUser(ctx, id); err != nil {
		return err
	}
	log.Info().Int64("user", id).Msg("User deleted")
	return nil
}

// RegenerateKey atomically replaces the user's key material. The old key
// stops authenticating at commit; the new plaintext is returned once.
func (s *Service) RegenerateKey(ctx context.Context, id int64) (*models.User, string, error) {
	user, err := s.store.GetUser(ctx, id)
	if err != nil {
		return nil, "", err
	}

	key, prefix, digest, err := crypto.GenerateAPIKey(user.Name)
	if err != nil {
		return nil, "", fmt.Errorf("generate api key: %w", err)
	}
	if err := s.store.ReplaceUserKey(ctx, id, prefix, digest); err != nil {
		return nil, "", err
	}
	user.APIKeyPrefix = prefix

	log.Info().Int64("user", id).Msg("API key regenerated")
	return user, key, nil
}

// ResetUsage zeroes the used-token counter, returning the prior value.
func (s *Service) ResetUsage(ctx context.Context, id int64) (int64, error) {
	prev, err := s.store.ResetUserUsage(ctx, id)
	if err != nil {
		return 0, err
	}
	log.Info().Int64("user", id).Int64("previous", prev).Msg("Usage counter reset")
	return prev, nil
}

// Authenticate resolves a bearer API key to its user. Lookup goes by prefix;
// the full key is verified against the stored hash in constant time. The
// returned error distinguishes a disabled user from a bad key so the
// middleware can log them apart, but both must surface as 401.
func (s *Service) Authenticate(ctx context.Context, bearer string) (*models.User, error) {
	prefix, ok := crypto.ExtractKeyPrefix(bearer)
	if !ok {
		return nil, ErrInvalidKey
	}

	row, err := s.store.GetUserByKeyPrefix(ctx, prefix)
	if err != nil {
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			return nil, ErrInvalidKey
		}
		return nil, err
	}
	if !crypto.VerifySecret(bearer, row.APIKeyHash) {
		return nil, ErrInvalidKey
	}
	if !row.Enabled {
		return nil, ErrDisabled
	}
	user := row.User
	return &user, nil
}
