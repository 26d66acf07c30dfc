// Package oauth implements the admin-driven credential flows: redirecting to
// an upstream provider, exchanging the callback code for tokens, sealing the
// tokens into a ProviderAccount, and refreshing them when they expire.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/tokengate/tokengate/internal/crypto"
	"github.com/tokengate/tokengate/internal/store"
	"github.com/tokengate/tokengate/pkg/models"
)

// stateTTL bounds how long a started flow may wait for its callback.
const stateTTL = 15 * time.Minute

var (
	// ErrUnknownProvider means the name is not in the registry.
	ErrUnknownProvider = errors.New("unknown oauth provider")
	// ErrNotConfigured means the provider has no client credentials.
	ErrNotConfigured = errors.New("oauth provider has no client credentials")
	// ErrStateInvalid covers expired, replayed, or foreign state nonces.
	ErrStateInvalid = errors.New("oauth state is invalid or expired")
)

// Reloader is the supervisor hook invoked after credential changes.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Flow drives the start/callback/refresh lifecycle.
type Flow struct {
	store    store.Store
	box      *crypto.Box
	registry *Registry
	reloader Reloader
}

// NewFlow wires the flow to storage, the sealing box, and the supervisor.
func NewFlow(st store.Store, box *crypto.Box, registry *Registry, reloader Reloader) *Flow {
	return &Flow{store: st, box: box, registry: registry, reloader: reloader}
}

// Start persists a single-use state nonce bound to the admin session and
// returns the provider's authorization URL.
func (f *Flow) Start(ctx context.Context, sessionID, provider string) (string, error) {
	cfg := f.registry.lookup(provider)
	if cfg == nil {
		return "", ErrUnknownProvider
	}
	if cfg.ClientID == "" {
		return "", ErrNotConfigured
	}

	nonce, err := crypto.NewSessionToken()
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	if err := f.store.CreateOAuthState(ctx, &models.OAuthState{
		State:     nonce,
		Provider:  provider,
		SessionID: sessionID,
		CreatedAt: now,
		ExpiresAt: now.Add(stateTTL),
	}); err != nil {
		return "", fmt.Errorf("persist oauth state: %w", err)
	}

	return cfg.AuthCodeURL(nonce, f.registry.opts[provider]...), nil
}

// Callback validates the returned state, exchanges the code, seals the
// tokens into a ProviderAccount, and triggers a sidecar reload. The provider
// row is created implicitly on first success. sessionID may be empty when
// the callback arrives without the admin cookie; a non-empty mismatch is
// rejected as a cross-session injection attempt.
func (f *Flow) Callback(ctx context.Context, sessionID, provider, state, code string) (*models.ProviderAccount, error) {
	cfg := f.registry.lookup(provider)
	if cfg == nil {
		return nil, ErrUnknownProvider
	}

	saved, err := f.store.ConsumeOAuthState(ctx, state)
	if err != nil {
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			return nil, ErrStateInvalid
		}
		return nil, err
	}
	if saved.Provider != provider {
		return nil, ErrStateInvalid
	}
	if sessionID != "" && saved.SessionID != sessionID {
		return nil, ErrStateInvalid
	}

	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}

	row, err := f.store.GetProvider(ctx, provider)
	if err != nil {
		var nf *store.ErrNotFound
		if !errors.As(err, &nf) {
			return nil, err
		}
		row = &models.Provider{Name: provider, Kind: models.ProviderKindOAuth}
		if err := f.store.CreateProvider(ctx, row); err != nil {
			var conflict *store.ErrConflict
			if !errors.As(err, &conflict) {
				return nil, err
			}
			if row, err = f.store.GetProvider(ctx, provider); err != nil {
				return nil, err
			}
		}
	}

	account, err := f.sealAccount(row.ID, tokenEmail(token), token)
	if err != nil {
		return nil, err
	}
	if err := f.store.UpsertAccount(ctx, account); err != nil {
		return nil, err
	}

	if err := f.reloader.Reload(ctx); err != nil {
		// The credential is stored; the sidecar picks it up on the next
		// reload. Not a callback failure.
		log.Error().Err(err).Str("provider", provider).Msg("Sidecar reload after OAuth failed")
	}
	return account, nil
}

// Refresh exchanges the account's refresh token for a fresh access token and
// updates the row in place. On failure the account is marked expired.
func (f *Flow) Refresh(ctx context.Context, providerName string, accountID int64) error {
	cfg := f.registry.lookup(providerName)
	if cfg == nil {
		return ErrUnknownProvider
	}
	account, err := f.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}

	tokens, err := f.openTokens(account.EncryptedTokens)
	if err != nil {
		return err
	}
	if tokens.RefreshToken == "" {
		return f.markExpired(ctx, accountID, errors.New("no refresh token stored"))
	}

	src := cfg.TokenSource(ctx, &oauth2.Token{
		RefreshToken: tokens.RefreshToken,
		// Force a refresh regardless of what the stored expiry claims.
		Expiry: time.Unix(1, 0),
	})
	fresh, err := src.Token()
	if err != nil {
		return f.markExpired(ctx, accountID, err)
	}

	updated, err := f.sealAccount(account.ProviderID, account.Email, fresh)
	if err != nil {
		return err
	}
	if err := f.store.UpdateAccountTokens(ctx, accountID, updated.EncryptedTokens, updated.ExpiresAt); err != nil {
		return err
	}
	log.Info().Str("provider", providerName).Int64("account", accountID).Msg("Provider tokens refreshed")
	return nil
}

// attributionAliases maps the vendor names used in usage attribution back to
// the provider rows they credential.
var attributionAliases = map[string]string{
	"anthropic": "claude",
	"google":    "gemini",
}

// RefreshProvider refreshes every active account of a provider. The gateway
// calls this once after an upstream 401 before replaying the request. The
// name may be either the provider row name or its usage-attribution vendor
// name.
func (f *Flow) RefreshProvider(ctx context.Context, providerName string) error {
	if alias, ok := attributionAliases[providerName]; ok {
		providerName = alias
	}
	row, err := f.store.GetProvider(ctx, providerName)
	if err != nil {
		return err
	}
	accounts, err := f.store.ListAccounts(ctx, row.ID)
	if err != nil {
		return err
	}

	var lastErr error
	refreshed := 0
	for _, account := range accounts {
		if account.Status != models.AccountStatusActive {
			continue
		}
		if err := f.Refresh(ctx, providerName, account.ID); err != nil {
			lastErr = err
			continue
		}
		refreshed++
	}
	if refreshed == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

func (f *Flow) markExpired(ctx context.Context, accountID int64, cause error) error {
	if err := f.store.UpdateAccountStatus(ctx, accountID, models.AccountStatusExpired); err != nil {
		log.Error().Err(err).Int64("account", accountID).Msg("Could not mark account expired")
	}
	return fmt.Errorf("refresh tokens: %w", cause)
}

// sealAccount encrypts a token pair into a ProviderAccount row.
func (f *Flow) sealAccount(providerID int64, email string, token *oauth2.Token) (*models.ProviderAccount, error) {
	pt := models.ProviderTokens{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
	}
	var expiresAt *time.Time
	if !token.Expiry.IsZero() {
		pt.ExpiresAt = token.Expiry.Unix()
		exp := token.Expiry.UTC()
		expiresAt = &exp
	}
	plaintext, err := json.Marshal(pt)
	if err != nil {
		return nil, err
	}
	ciphertext, err := f.box.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	return &models.ProviderAccount{
		ProviderID:      providerID,
		Email:           email,
		EncryptedTokens: ciphertext,
		Status:          models.AccountStatusActive,
		ExpiresAt:       expiresAt,
	}, nil
}

// openTokens decrypts a stored token blob.
func (f *Flow) openTokens(ciphertext string) (*models.ProviderTokens, error) {
	plaintext, err := f.box.Decrypt(ciphertext)
	if err != nil {
		return nil, err
	}
	var tokens models.ProviderTokens
	if err := json.Unmarshal(plaintext, &tokens); err != nil {
		return nil, err
	}
	return &tokens, nil
}

// tokenEmail extracts an identifying email when the provider returned one in
// the token response. Absent claims leave the account keyed by empty email.
func tokenEmail(token *oauth2.Token) string {
	if email, ok := token.Extra("email").(string); ok {
		return email
	}
	return ""
}
