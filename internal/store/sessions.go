package store

import (
	"context"
	"time"

	"github.com/tokengate/tokengate/pkg/models"
)

func (s *SQLite) CreateSession(ctx context.Context, session *models.Session) error {
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.LastAccessed.IsZero() {
		session.LastAccessed = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, csrf_token, expires_at, created_at, last_accessed)
		 VALUES (?, ?, ?, ?, ?)`,
		session.ID, session.CSRFToken,
		session.ExpiresAt.UTC().Format(timeFormat),
		session.CreatedAt.UTC().Format(timeFormat),
		session.LastAccessed.UTC().Format(timeFormat))
	return err
}

func (s *SQLite) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, csrf_token, expires_at, created_at, last_accessed
		 FROM sessions WHERE id = ?`, id)

	var sess models.Session
	var expiresAt, createdAt, lastAccessed string
	if err := row.Scan(&sess.ID, &sess.CSRFToken, &expiresAt, &createdAt, &lastAccessed); err != nil {
		return nil, notFound(err, "session", id)
	}
	sess.ExpiresAt = scanTime(expiresAt)
	sess.CreatedAt = scanTime(createdAt)
	sess.LastAccessed = scanTime(lastAccessed)
	return &sess, nil
}

func (s *SQLite) TouchSession(ctx context.Context, id string, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET expires_at = ?, last_accessed = ? WHERE id = ?`,
		expiresAt.UTC().Format(timeFormat),
		time.Now().UTC().Format(timeFormat), id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &ErrNotFound{Entity: "session", Key: id}
	}
	return nil
}

func (s *SQLite) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}

func (s *SQLite) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at < ?`,
		time.Now().UTC().Format(timeFormat))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLite) CreateOAuthState(ctx context.Context, state *models.OAuthState) error {
	if state.CreatedAt.IsZero() {
		state.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO oauth_states (state, provider, session_id, redirect_url, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		state.State, state.Provider, state.SessionID, nullStr(state.RedirectURL),
		state.CreatedAt.UTC().Format(timeFormat),
		state.ExpiresAt.UTC().Format(timeFormat))
	return err
}

func (s *SQLite) ConsumeOAuthState(ctx context.Context, state string) (*models.OAuthState, error) {
	// DELETE ... RETURNING consumes the nonce atomically; a second call can
	// never see the same row.
	row := s.db.QueryRowContext(ctx,
		`DELETE FROM oauth_states WHERE state = ?
		 RETURNING state, provider, session_id, COALESCE(redirect_url, ''), created_at, expires_at`,
		state)

	var out models.OAuthState
	var createdAt, expiresAt string
	if err := row.Scan(&out.State, &out.Provider, &out.SessionID, &out.RedirectURL, &createdAt, &expiresAt); err != nil {
		return nil, notFound(err, "oauth_state", state)
	}
	out.CreatedAt = scanTime(createdAt)
	out.ExpiresAt = scanTime(expiresAt)

	// An expired state is consumed but never honored.
	if time.Now().UTC().After(out.ExpiresAt) {
		return nil, &ErrNotFound{Entity: "oauth_state", Key: state}
	}
	return &out, nil
}

func (s *SQLite) DeleteExpiredOAuthStates(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM oauth_states WHERE expires_at < ?`,
		time.Now().UTC().Format(timeFormat))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
