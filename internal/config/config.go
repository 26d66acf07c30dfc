package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all process-scoped configuration for the TokenGate server.
type Config struct {
	Port    int
	Version string

	// DataDir holds the SQLite file, the generated sidecar YAML, the lock
	// file, and the sidecar's own state directory.
	DataDir string
	DBPath  string

	// AdminPassword seeds the admin digest on first run only; ignored once
	// a digest exists in settings.
	AdminPassword string

	// EncryptionKey is the 32-byte symmetric key, hex or base64 encoded.
	EncryptionKey string

	Sidecar   SidecarConfig
	OAuth     OAuthConfig
	Timeouts  TimeoutConfig
	RateLimit RateLimitConfig
	Telemetry TelemetryConfig
}

// OAuthConfig carries the client credentials registered with each upstream
// identity provider. Providers without credentials reject OAuth starts.
type OAuthConfig struct {
	// PublicBaseURL is the externally reachable base URL providers redirect
	// back to, e.g. "http://localhost:3000".
	PublicBaseURL string
	Clients       map[string]OAuthClient
}

// OAuthClient is one registered OAuth application.
type OAuthClient struct {
	ClientID     string
	ClientSecret string
}

type SidecarConfig struct {
	BinaryPath string
	// ManagementURL must point at loopback; the sidecar's management surface
	// bypasses gateway auth.
	ManagementURL string
	ManagementKey string
	Port          int
}

type TimeoutConfig struct {
	Admin   time.Duration
	Forward time.Duration
}

type RateLimitConfig struct {
	RequestsPerMinute int64
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	dataDir := envStr("TOKENGATE_DATA_DIR", "./data")
	return &Config{
		Port:          envInt("TOKENGATE_PORT", 3000),
		Version:       envStr("TOKENGATE_VERSION", "0.4.0"),
		DataDir:       dataDir,
		DBPath:        envStr("TOKENGATE_DB_PATH", filepath.Join(dataDir, "tokengate.db")),
		AdminPassword: os.Getenv("ADMIN_PASSWORD"),
		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),
		Sidecar: SidecarConfig{
			BinaryPath:    envStr("SIDECAR_BINARY_PATH", "cliproxyapi"),
			ManagementURL: envStr("SIDECAR_MANAGEMENT_URL", "http://127.0.0.1:8317"),
			ManagementKey: envStr("SIDECAR_MANAGEMENT_KEY", "tokengate-mgmt-key"),
			Port:          envInt("SIDECAR_PORT", 8317),
		},
		OAuth: OAuthConfig{
			PublicBaseURL: envStr("TOKENGATE_PUBLIC_URL", "http://localhost:3000"),
			Clients: map[string]OAuthClient{
				"claude": {
					ClientID:     os.Getenv("OAUTH_CLAUDE_CLIENT_ID"),
					ClientSecret: os.Getenv("OAUTH_CLAUDE_CLIENT_SECRET"),
				},
				"openai": {
					ClientID:     os.Getenv("OAUTH_OPENAI_CLIENT_ID"),
					ClientSecret: os.Getenv("OAUTH_OPENAI_CLIENT_SECRET"),
				},
				"gemini": {
					ClientID:     os.Getenv("OAUTH_GEMINI_CLIENT_ID"),
					ClientSecret: os.Getenv("OAUTH_GEMINI_CLIENT_SECRET"),
				},
			},
		},
		Timeouts: TimeoutConfig{
			Admin:   envDuration("TOKENGATE_ADMIN_TIMEOUT", 30*time.Second),
			Forward: envDuration("TOKENGATE_FORWARD_TIMEOUT", 120*time.Second),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: int64(envInt("TOKENGATE_RATE_LIMIT_RPM", 60)),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "tokengate-server"),
		},
	}
}

// ConfigYAMLPath is where the generated sidecar configuration lives.
func (c *Config) ConfigYAMLPath() string {
	return filepath.Join(c.DataDir, "proxy-config.yaml")
}

// LockFilePath guards against a second server process sharing the store.
func (c *Config) LockFilePath() string {
	return filepath.Join(c.DataDir, "tokengate.lock")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
