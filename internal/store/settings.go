package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/tokengate/tokengate/pkg/models"
)

// settingServerConfig is the settings key holding the admin-editable server
// configuration blob.
const settingServerConfig = "server_config"

func (s *SQLite) GetSetting(ctx context.Context, key string) (string, bool, error) {
	s.settingsMu.RLock()
	if v, ok := s.settingsCache[key]; ok {
		s.settingsMu.RUnlock()
		return v, true, nil
	}
	s.settingsMu.RUnlock()

	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	s.settingsMu.Lock()
	s.settingsCache[key] = value
	s.settingsMu.Unlock()
	return value, true, nil
}

func (s *SQLite) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return err
	}
	s.settingsMu.Lock()
	s.settingsCache[key] = value
	s.settingsMu.Unlock()
	return nil
}

// ServerConfig returns the persisted server configuration, falling back to
// defaults before an admin has saved anything.
func (s *SQLite) ServerConfig(ctx context.Context) (models.ServerConfig, error) {
	raw, ok, err := s.GetSetting(ctx, settingServerConfig)
	if err != nil {
		return models.ServerConfig{}, err
	}
	if !ok {
		return models.DefaultServerConfig(), nil
	}
	cfg := models.DefaultServerConfig()
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return models.ServerConfig{}, err
	}
	return cfg, nil
}

// SetServerConfig persists the server configuration blob.
func (s *SQLite) SetServerConfig(ctx context.Context, cfg models.ServerConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return s.SetSetting(ctx, settingServerConfig, string(raw))
}
