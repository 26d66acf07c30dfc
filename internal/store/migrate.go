package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// migration is one numbered schema step. Steps are applied in order inside a
// transaction; the ledger records the highest applied id.
type migration struct {
	id  int
	sql string
}

var migrations = []migration{
	{1, `
		CREATE TABLE users (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			name            TEXT NOT NULL UNIQUE,
			api_key_hash    TEXT NOT NULL,
			api_key_prefix  TEXT NOT NULL UNIQUE,
			quota_tokens    INTEGER,
			used_tokens     INTEGER NOT NULL DEFAULT 0 CHECK (used_tokens >= 0),
			enabled         INTEGER NOT NULL DEFAULT 1,
			created_at      TEXT NOT NULL,
			last_used_at    TEXT
		);

		CREATE TABLE usage_logs (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id         INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			provider        TEXT NOT NULL,
			model           TEXT NOT NULL,
			tokens_input    INTEGER NOT NULL,
			tokens_output   INTEGER NOT NULL,
			duration_ms     INTEGER NOT NULL,
			status          TEXT NOT NULL DEFAULT 'success',
			timestamp       TEXT NOT NULL
		);
		CREATE INDEX idx_usage_user_id ON usage_logs(user_id);
		CREATE INDEX idx_usage_timestamp ON usage_logs(timestamp);

		CREATE TABLE settings (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		CREATE TABLE sessions (
			id             TEXT PRIMARY KEY,
			csrf_token     TEXT NOT NULL,
			expires_at     TEXT NOT NULL,
			created_at     TEXT NOT NULL,
			last_accessed  TEXT NOT NULL
		);
		CREATE INDEX idx_sessions_expires_at ON sessions(expires_at);

		CREATE TABLE providers (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			name        TEXT NOT NULL UNIQUE,
			kind        TEXT NOT NULL,
			enabled     INTEGER NOT NULL DEFAULT 1,
			settings    TEXT NOT NULL DEFAULT '{}',
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);

		CREATE TABLE provider_accounts (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			provider_id  INTEGER NOT NULL REFERENCES providers(id) ON DELETE CASCADE,
			email        TEXT NOT NULL DEFAULT '',
			tokens       TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'active',
			expires_at   TEXT,
			last_used_at TEXT,
			created_at   TEXT NOT NULL,
			UNIQUE(provider_id, email)
		);

		CREATE TABLE oauth_states (
			state        TEXT PRIMARY KEY,
			provider     TEXT NOT NULL,
			session_id   TEXT NOT NULL,
			redirect_url TEXT,
			created_at   TEXT NOT NULL,
			expires_at   TEXT NOT NULL
		);
		CREATE INDEX idx_oauth_states_expires_at ON oauth_states(expires_at);
	`},
	{2, `
		ALTER TABLE usage_logs ADD COLUMN error_message TEXT;
	`},
	{3, `
		CREATE TABLE daily_usage (
			date           TEXT NOT NULL,
			user_id        INTEGER,
			provider       TEXT,
			requests       INTEGER NOT NULL,
			tokens_input   INTEGER NOT NULL,
			tokens_output  INTEGER NOT NULL
		);
		CREATE INDEX idx_daily_usage_date ON daily_usage(date);
	`},
}

// Migrate applies all pending migrations inside a single transaction.
func (s *SQLite) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id         INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return fmt.Errorf("create migrations ledger: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read migrations ledger: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	applied := 0
	for _, m := range migrations {
		if m.id <= current {
			continue
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %d: %w", m.id, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (id, applied_at) VALUES (?, ?)`,
			m.id, time.Now().UTC().Format(timeFormat)); err != nil {
			return fmt.Errorf("record migration %d: %w", m.id, err)
		}
		applied++
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	if applied > 0 {
		log.Info().Int("applied", applied).Int("version", migrations[len(migrations)-1].id).Msg("Schema migrations applied")
	}
	return nil
}
