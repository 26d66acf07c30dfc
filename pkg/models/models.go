package models

import (
	"time"
)

// ── Users ────────────────────────────────────────────────────

// User is a data-plane identity. The raw API key is never stored; only its
// memory-hard hash plus a displayable prefix survive creation.
type User struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	APIKeyPrefix string     `json:"api_key_prefix"`
	QuotaTokens  *int64     `json:"quota_tokens,omitempty"`
	UsedTokens   int64      `json:"used_tokens"`
	Enabled      bool       `json:"enabled"`
	CreatedAt    time.Time  `json:"created_at"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
}

// UserWithHash pairs a user row with its stored API-key hash. Only the
// API-key middleware ever sees the hash.
type UserWithHash struct {
	User
	APIKeyHash string `json:"-"`
}

// OverQuota reports whether the user has consumed their token quota.
// A nil quota means unlimited.
func (u *User) OverQuota() bool {
	return u.QuotaTokens != nil && u.UsedTokens >= *u.QuotaTokens
}

// ── Usage ────────────────────────────────────────────────────

// Request outcome recorded in usage logs.
const (
	UsageStatusSuccess = "success"
	UsageStatusError   = "error"
)

// UsageLog is an immutable per-request accounting record.
type UsageLog struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	TokensInput  int64     `json:"tokens_input"`
	TokensOutput int64     `json:"tokens_output"`
	DurationMS   int64     `json:"duration_ms"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// LogEntry is a usage log joined with the owning user's display name,
// served by the admin logs API.
type LogEntry struct {
	ID           int64     `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	UserID       int64     `json:"user_id"`
	UserName     string    `json:"user_name"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	TokensInput  int64     `json:"tokens_input"`
	TokensOutput int64     `json:"tokens_output"`
	DurationMS   int64     `json:"duration_ms"`
	Status       string    `json:"status"`
}

// UsageStats is an aggregate over a period.
type UsageStats struct {
	TotalRequests     int64 `json:"total_requests"`
	TotalTokensInput  int64 `json:"total_tokens_input"`
	TotalTokensOutput int64 `json:"total_tokens_output"`
}

// ProviderUsage is a per-provider aggregate over a period.
type ProviderUsage struct {
	Provider     string `json:"provider"`
	Requests     int64  `json:"requests"`
	TokensInput  int64  `json:"tokens_input"`
	TokensOutput int64  `json:"tokens_output"`
}

// DailyUsage is a pre-aggregated day bucket. UserID and Provider are nil for
// the all-users / all-providers rollup rows.
type DailyUsage struct {
	Date         string  `json:"date"` // YYYY-MM-DD
	UserID       *int64  `json:"user_id,omitempty"`
	Provider     *string `json:"provider,omitempty"`
	Requests     int64   `json:"requests"`
	TokensInput  int64   `json:"tokens_input"`
	TokensOutput int64   `json:"tokens_output"`
}

// ── Providers ────────────────────────────────────────────────

// Provider kinds.
const (
	ProviderKindOAuth  = "oauth"
	ProviderKindAPIKey = "api_key"
)

// Load-balancing policies accepted in provider settings.
const (
	LoadBalanceRoundRobin = "round_robin"
	LoadBalanceLeastUsed  = "least_used"
)

// Provider is a logical upstream (claude, openai, gemini, ...).
type Provider struct {
	ID        int64            `json:"id"`
	Name      string           `json:"name"`
	Kind      string           `json:"kind"`
	Enabled   bool             `json:"enabled"`
	Settings  ProviderSettings `json:"settings"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// ProviderSettings is the enumerated settings blob stored per provider.
type ProviderSettings struct {
	LoadBalancing  string `json:"load_balancing,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	RequestRetry   int    `json:"request_retry,omitempty"`
}

// Provider account statuses.
const (
	AccountStatusActive  = "active"
	AccountStatusExpired = "expired"
	AccountStatusRevoked = "revoked"
)

// ProviderAccount is one credential belonging to a provider. Tokens holds
// ciphertext only; plaintext never leaves the crypto package.
type ProviderAccount struct {
	ID              int64      `json:"id"`
	ProviderID      int64      `json:"provider_id"`
	Email           string     `json:"email,omitempty"`
	EncryptedTokens string     `json:"-"`
	Status          string     `json:"status"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	LastUsedAt      *time.Time `json:"last_used_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// ProviderTokens is the plaintext shape sealed into a ProviderAccount.
type ProviderTokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"` // unix seconds
}

// ── Sessions ─────────────────────────────────────────────────

// Session is an admin login session. The id is the opaque cookie value.
type Session struct {
	ID           string    `json:"id"`
	CSRFToken    string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
}

// OAuthState is a single-use nonce binding an OAuth flow to the admin
// session that started it.
type OAuthState struct {
	State       string    `json:"state"`
	Provider    string    `json:"provider"`
	SessionID   string    `json:"session_id"`
	RedirectURL string    `json:"redirect_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ── Server config (settings blob) ────────────────────────────

// ServerConfig is the admin-editable process configuration persisted in the
// settings table under the "server_config" key.
type ServerConfig struct {
	ProxyPort      int               `json:"proxy_port"`
	LogLevel       string            `json:"log_level"`
	AutoStartProxy bool              `json:"auto_start_proxy"`
	ModelMappings  map[string]string `json:"model_mappings,omitempty"`
	RateLimits     RateLimits        `json:"rate_limits"`
}

// RateLimits holds the data-plane throttling knobs.
type RateLimits struct {
	RequestsPerMinute int64  `json:"requests_per_minute"`
	TokensPerDay      *int64 `json:"tokens_per_day,omitempty"`
}

// DefaultServerConfig returns the configuration used before an admin has
// saved anything.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ProxyPort:      8317,
		LogLevel:       "info",
		AutoStartProxy: true,
		ModelMappings:  map[string]string{},
		RateLimits:     RateLimits{RequestsPerMinute: 60},
	}
}

// ── Proxy status ─────────────────────────────────────────────

// ProxyStatus describes the supervised sidecar process.
type ProxyStatus struct {
	Running       bool       `json:"running"`
	Port          int        `json:"port"`
	PID           int        `json:"pid,omitempty"`
	Endpoint      string     `json:"endpoint,omitempty"`
	UptimeSeconds int64      `json:"uptime_seconds,omitempty"`
	LastCrashAt   *time.Time `json:"last_crash_at,omitempty"`
	AutoRestart   bool       `json:"auto_restart"`
}
