// Package store provides the persistence layer for TokenGate. All rows live
// in a single embedded SQLite database; every other component holds row
// identifiers and fetches on demand through the Store interface.
package store

import (
	"context"
	"time"

	"github.com/tokengate/tokengate/pkg/models"
)

// Store is the primary storage interface. Handler and service code depends
// on this interface so tests can run against an in-memory database.
type Store interface {
	UserStore
	UsageStore
	SessionStore
	OAuthStateStore
	ProviderStore
	SettingsStore

	// Ping checks that the database is reachable.
	Ping(ctx context.Context) error

	// Close releases the connection pool.
	Close() error

	// Migrate applies pending schema migrations.
	Migrate(ctx context.Context) error
}

// UserUpdate carries the mutable subset of a user row. Nil fields are left
// untouched; QuotaSet distinguishes "clear the quota" from "don't change it".
type UserUpdate struct {
	Name     *string
	Quota    *int64
	QuotaSet bool
	Enabled  *bool
}

type UserStore interface {
	ListUsers(ctx context.Context, page, limit int) ([]models.User, int64, error)
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetUserByKeyPrefix(ctx context.Context, prefix string) (*models.UserWithHash, error)
	CreateUser(ctx context.Context, user *models.User, keyHash string) error
	UpdateUser(ctx context.Context, id int64, update UserUpdate) (*models.User, error)
	DeleteUser(ctx context.Context, id int64) error

	// ReplaceUserKey atomically swaps the stored hash and prefix; the old
	// key stops authenticating at commit.
	ReplaceUserKey(ctx context.Context, id int64, prefix, keyHash string) error

	// ResetUserUsage zeroes used_tokens and returns the previous value.
	ResetUserUsage(ctx context.Context, id int64) (int64, error)
}

// LogFilter narrows the admin logs listing.
type LogFilter struct {
	Limit    int
	Offset   int
	UserID   *int64
	Provider string
	Status   string
}

type UsageStore interface {
	// LogUsage appends a usage row and bumps the user's used_tokens counter
	// in the same transaction.
	LogUsage(ctx context.Context, entry *models.UsageLog) error

	UsageStats(ctx context.Context, period string, userID *int64) (models.UsageStats, error)
	UsageByProvider(ctx context.Context, period string) ([]models.ProviderUsage, error)

	// DailyUsage serves closed days from the rollup table and today from a
	// live aggregate over usage_logs.
	DailyUsage(ctx context.Context, days int, userID *int64, provider string) ([]models.DailyUsage, error)

	// RollupDay regenerates all daily_usage rows for the given date
	// (YYYY-MM-DD). Idempotent: delete-then-insert in one transaction.
	RollupDay(ctx context.Context, date string) error

	// PruneUsageLogs deletes raw logs older than the cutoff, returning the
	// number removed. Aggregates in daily_usage survive.
	PruneUsageLogs(ctx context.Context, before time.Time) (int64, error)

	ListLogs(ctx context.Context, filter LogFilter) ([]models.LogEntry, int64, error)
}

type SessionStore interface {
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)

	// TouchSession extends the sliding expiry and stamps last_accessed.
	TouchSession(ctx context.Context, id string, expiresAt time.Time) error

	DeleteSession(ctx context.Context, id string) error
	DeleteExpiredSessions(ctx context.Context) (int64, error)
}

type OAuthStateStore interface {
	CreateOAuthState(ctx context.Context, state *models.OAuthState) error

	// ConsumeOAuthState fetches and deletes a live state in one transaction.
	// Expired or unknown states return ErrNotFound.
	ConsumeOAuthState(ctx context.Context, state string) (*models.OAuthState, error)

	DeleteExpiredOAuthStates(ctx context.Context) (int64, error)
}

type ProviderStore interface {
	ListProviders(ctx context.Context) ([]models.Provider, error)
	GetProvider(ctx context.Context, name string) (*models.Provider, error)
	CreateProvider(ctx context.Context, provider *models.Provider) error
	UpdateProvider(ctx context.Context, name string, enabled *bool, settings *models.ProviderSettings) (*models.Provider, error)
	DeleteProvider(ctx context.Context, name string) error

	ListAccounts(ctx context.Context, providerID int64) ([]models.ProviderAccount, error)
	ListAllAccounts(ctx context.Context) ([]models.ProviderAccount, error)
	GetAccount(ctx context.Context, id int64) (*models.ProviderAccount, error)

	// UpsertAccount matches an existing row by (provider_id, email) and
	// replaces its tokens, or inserts a new row.
	UpsertAccount(ctx context.Context, account *models.ProviderAccount) error

	UpdateAccountTokens(ctx context.Context, id int64, encryptedTokens string, expiresAt *time.Time) error
	UpdateAccountStatus(ctx context.Context, id int64, status string) error
	DeleteAccount(ctx context.Context, providerName string, id int64) error
}

type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error

	// ServerConfig returns the admin-editable configuration blob, defaults
	// when nothing has been saved yet.
	ServerConfig(ctx context.Context) (models.ServerConfig, error)
	SetServerConfig(ctx context.Context, cfg models.ServerConfig) error
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrConflict is returned on uniqueness violations; callers surface it as a
// user-visible condition, never swallow it.
type ErrConflict struct {
	Entity string
	Key    string
}

func (e *ErrConflict) Error() string {
	return e.Entity + " already exists: " + e.Key
}
