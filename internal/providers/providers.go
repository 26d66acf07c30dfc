// Package providers implements provider and account administration. Every
// mutation regenerates the sidecar configuration so routing state never
// drifts from the database.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/tokengate/tokengate/internal/store"
	"github.com/tokengate/tokengate/internal/supervisor"
	"github.com/tokengate/tokengate/pkg/models"
)

// ErrInvalidSettings rejects settings outside the enumerated domain.
var ErrInvalidSettings = errors.New("invalid provider settings")

// Reloader is the supervisor hook invoked after each mutation.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Details is a provider with its accounts, as served to the admin UI.
type Details struct {
	models.Provider
	Accounts []models.ProviderAccount `json:"accounts"`
}

// Service is the provider manager.
type Service struct {
	store    store.Store
	reloader Reloader
	mgmt     *supervisor.Management
}

// NewService wires the manager to storage, the supervisor, and the sidecar's
// management surface.
func NewService(st store.Store, reloader Reloader, mgmt *supervisor.Management) *Service {
	return &Service{store: st, reloader: reloader, mgmt: mgmt}
}

// List returns every provider with its accounts.
func (s *Service) List(ctx context.Context) ([]Details, error) {
	rows, err := s.store.ListProviders(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Details, 0, len(rows))
	for _, p := range rows {
		accounts, err := s.store.ListAccounts(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, Details{Provider: p, Accounts: accounts})
	}
	return out, nil
}

// Get returns one provider with its accounts.
func (s *Service) Get(ctx context.Context, name string) (*Details, error) {
	p, err := s.store.GetProvider(ctx, name)
	if err != nil {
		return nil, err
	}
	accounts, err := s.store.ListAccounts(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	return &Details{Provider: *p, Accounts: accounts}, nil
}

// UpdateSettings edits the enabled flag and/or the settings blob, then
// reloads the sidecar.
func (s *Service) UpdateSettings(ctx context.Context, name string, enabled *bool, settings *models.ProviderSettings) (*models.Provider, error) {
	if settings != nil {
		if err := validateSettings(settings); err != nil {
			return nil, err
		}
	}
	updated, err := s.store.UpdateProvider(ctx, name, enabled, settings)
	if err != nil {
		return nil, err
	}
	s.reload(ctx, name)
	return updated, nil
}

// Delete removes a provider; its accounts cascade.
func (s *Service) Delete(ctx context.Context, name string) error {
	if err := s.store.DeleteProvider(ctx, name); err != nil {
		return err
	}
	log.Info().Str("provider", name).Msg("Provider deleted")
	s.reload(ctx, name)
	return nil
}

// DeleteAccount removes one credential from a provider.
func (s *Service) DeleteAccount(ctx context.Context, providerName string, accountID int64) error {
	if err := s.store.DeleteAccount(ctx, providerName, accountID); err != nil {
		return err
	}
	log.Info().Str("provider", providerName).Int64("account", accountID).Msg("Provider account deleted")
	s.reload(ctx, providerName)
	return nil
}

// HealthCheck probes routing health through the sidecar's management
// surface and passes the per-provider status through.
func (s *Service) HealthCheck(ctx context.Context) (json.RawMessage, error) {
	raw, err := s.mgmt.ProviderStatuses(ctx)
	if err != nil {
		return nil, fmt.Errorf("sidecar unreachable: %w", err)
	}
	return raw, nil
}

// reload regenerates the sidecar config after a committed mutation. Reload
// failure never rolls back the mutation; the next reload converges.
func (s *Service) reload(ctx context.Context, provider string) {
	if err := s.reloader.Reload(ctx); err != nil {
		log.Error().Err(err).Str("provider", provider).Msg("Sidecar reload after provider mutation failed")
	}
}

func validateSettings(settings *models.ProviderSettings) error {
	switch settings.LoadBalancing {
	case "", models.LoadBalanceRoundRobin, models.LoadBalanceLeastUsed:
	default:
		return fmt.Errorf("%w: load_balancing %q", ErrInvalidSettings, settings.LoadBalancing)
	}
	if settings.TimeoutSeconds < 0 {
		return fmt.Errorf("%w: timeout_seconds must be non-negative", ErrInvalidSettings)
	}
	if settings.RequestRetry < 0 {
		return fmt.Errorf("%w: request_retry must be non-negative", ErrInvalidSettings)
	}
	return nil
}
