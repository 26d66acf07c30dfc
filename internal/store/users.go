package store

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/tokengate/tokengate/pkg/models"
)

const userColumns = `id, name, api_key_prefix, quota_tokens, used_tokens, enabled, created_at, last_used_at`

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var u models.User
	var quota sql.NullInt64
	var enabled int
	var createdAt string
	var lastUsed sql.NullString
	if err := row.Scan(&u.ID, &u.Name, &u.APIKeyPrefix, &quota, &u.UsedTokens, &enabled, &createdAt, &lastUsed); err != nil {
		return nil, err
	}
	if quota.Valid {
		u.QuotaTokens = &quota.Int64
	}
	u.Enabled = enabled != 0
	u.CreatedAt = scanTime(createdAt)
	u.LastUsedAt = scanNullTime(lastUsed)
	return &u, nil
}

func (s *SQLite) ListUsers(ctx context.Context, page, limit int) ([]models.User, int64, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 200 {
		limit = 50
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY id LIMIT ? OFFSET ?`,
		limit, (page-1)*limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	users := []models.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, err
		}
		users = append(users, *u)
	}
	return users, total, rows.Err()
}

func (s *SQLite) GetUser(ctx context.Context, id int64) (*models.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "user", strconv.FormatInt(id, 10))
	}
	return u, nil
}

func (s *SQLite) GetUserByKeyPrefix(ctx context.Context, prefix string) (*models.UserWithHash, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+`, api_key_hash FROM users WHERE api_key_prefix = ?`, prefix)

	var u models.UserWithHash
	var quota sql.NullInt64
	var enabled int
	var createdAt string
	var lastUsed sql.NullString
	if err := row.Scan(&u.ID, &u.Name, &u.APIKeyPrefix, &quota, &u.UsedTokens, &enabled, &createdAt, &lastUsed, &u.APIKeyHash); err != nil {
		return nil, notFound(err, "user", prefix)
	}
	if quota.Valid {
		u.QuotaTokens = &quota.Int64
	}
	u.Enabled = enabled != 0
	u.CreatedAt = scanTime(createdAt)
	u.LastUsedAt = scanNullTime(lastUsed)
	return &u, nil
}

func (s *SQLite) CreateUser(ctx context.Context, user *models.User, keyHash string) error {
	now := time.Now().UTC()
	var quota any
	if user.QuotaTokens != nil {
		quota = *user.QuotaTokens
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (name, api_key_prefix, api_key_hash, quota_tokens, used_tokens, enabled, created_at)
		 VALUES (?, ?, ?, ?, 0, 1, ?)`,
		user.Name, user.APIKeyPrefix, keyHash, quota, now.Format(timeFormat))
	if err != nil {
		if isConstraintErr(err) {
			return &ErrConflict{Entity: "user", Key: user.Name}
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	user.ID = id
	user.UsedTokens = 0
	user.Enabled = true
	user.CreatedAt = now
	return nil
}

func (s *SQLite) UpdateUser(ctx context.Context, id int64, update UserUpdate) (*models.User, error) {
	sets := []string{}
	args := []any{}
	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.QuotaSet {
		sets = append(sets, "quota_tokens = ?")
		if update.Quota != nil {
			args = append(args, *update.Quota)
		} else {
			args = append(args, nil)
		}
	}
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolToInt(*update.Enabled))
	}
	if len(sets) == 0 {
		return s.GetUser(ctx, id)
	}

	args = append(args, id)
	query := "UPDATE users SET " + joinSets(sets) + " WHERE id = ?"
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isConstraintErr(err) {
			return nil, &ErrConflict{Entity: "user", Key: derefOr(update.Name, "")}
		}
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, &ErrNotFound{Entity: "user", Key: strconv.FormatInt(id, 10)}
	}
	return s.GetUser(ctx, id)
}

func (s *SQLite) DeleteUser(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &ErrNotFound{Entity: "user", Key: strconv.FormatInt(id, 10)}
	}
	return nil
}

func (s *SQLite) ReplaceUserKey(ctx context.Context, id int64, prefix, keyHash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET api_key_prefix = ?, api_key_hash = ? WHERE id = ?`,
		prefix, keyHash, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &ErrNotFound{Entity: "user", Key: strconv.FormatInt(id, 10)}
	}
	return nil
}

func (s *SQLite) ResetUserUsage(ctx context.Context, id int64) (int64, error) {
	var prev int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			`SELECT used_tokens FROM users WHERE id = ?`, id).Scan(&prev); err != nil {
			return notFound(err, "user", strconv.FormatInt(id, 10))
		}
		_, err := tx.ExecContext(ctx, `UPDATE users SET used_tokens = 0 WHERE id = ?`, id)
		return err
	})
	if err != nil {
		return 0, err
	}
	return prev, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func joinSets(sets []string) string {
	return strings.Join(sets, ", ")
}

func derefOr(s *string, fallback string) string {
	if s != nil {
		return *s
	}
	return fallback
}
