package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"time"

	"github.com/tokengate/tokengate/pkg/models"
)

const providerColumns = `id, name, kind, enabled, settings, created_at, updated_at`

func scanProvider(row interface{ Scan(...any) error }) (*models.Provider, error) {
	var p models.Provider
	var enabled int
	var settings, createdAt, updatedAt string
	if err := row.Scan(&p.ID, &p.Name, &p.Kind, &enabled, &settings, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(settings), &p.Settings); err != nil {
		return nil, err
	}
	p.CreatedAt = scanTime(createdAt)
	p.UpdatedAt = scanTime(updatedAt)
	return &p, nil
}

func (s *SQLite) ListProviders(ctx context.Context) ([]models.Provider, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+providerColumns+` FROM providers ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.Provider{}
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *SQLite) GetProvider(ctx context.Context, name string) (*models.Provider, error) {
	p, err := scanProvider(s.db.QueryRowContext(ctx,
		`SELECT `+providerColumns+` FROM providers WHERE name = ?`, name))
	if err != nil {
		return nil, notFound(err, "provider", name)
	}
	return p, nil
}

func (s *SQLite) CreateProvider(ctx context.Context, provider *models.Provider) error {
	settings, err := json.Marshal(provider.Settings)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO providers (name, kind, enabled, settings, created_at, updated_at)
		 VALUES (?, ?, 1, ?, ?, ?)`,
		provider.Name, provider.Kind, string(settings),
		now.Format(timeFormat), now.Format(timeFormat))
	if err != nil {
		if isConstraintErr(err) {
			return &ErrConflict{Entity: "provider", Key: provider.Name}
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	provider.ID = id
	provider.Enabled = true
	provider.CreatedAt = now
	provider.UpdatedAt = now
	return nil
}

func (s *SQLite) UpdateProvider(ctx context.Context, name string, enabled *bool, settings *models.ProviderSettings) (*models.Provider, error) {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC().Format(timeFormat)}
	if enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolToInt(*enabled))
	}
	if settings != nil {
		blob, err := json.Marshal(settings)
		if err != nil {
			return nil, err
		}
		sets = append(sets, "settings = ?")
		args = append(args, string(blob))
	}
	args = append(args, name)

	res, err := s.db.ExecContext(ctx,
		`UPDATE providers SET `+joinSets(sets)+` WHERE name = ?`, args...)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, &ErrNotFound{Entity: "provider", Key: name}
	}
	return s.GetProvider(ctx, name)
}

func (s *SQLite) DeleteProvider(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM providers WHERE name = ?`, name)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &ErrNotFound{Entity: "provider", Key: name}
	}
	return nil
}

const accountColumns = `id, provider_id, email, tokens, status, expires_at, last_used_at, created_at`

func scanAccount(row interface{ Scan(...any) error }) (*models.ProviderAccount, error) {
	var a models.ProviderAccount
	var expiresAt, lastUsed sql.NullString
	var createdAt string
	if err := row.Scan(&a.ID, &a.ProviderID, &a.Email, &a.EncryptedTokens,
		&a.Status, &expiresAt, &lastUsed, &createdAt); err != nil {
		return nil, err
	}
	a.ExpiresAt = scanNullTime(expiresAt)
	a.LastUsedAt = scanNullTime(lastUsed)
	a.CreatedAt = scanTime(createdAt)
	return &a, nil
}

func (s *SQLite) ListAccounts(ctx context.Context, providerID int64) ([]models.ProviderAccount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM provider_accounts WHERE provider_id = ? ORDER BY id`,
		providerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAccounts(rows)
}

func (s *SQLite) ListAllAccounts(ctx context.Context) ([]models.ProviderAccount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM provider_accounts ORDER BY provider_id, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAccounts(rows)
}

func collectAccounts(rows *sql.Rows) ([]models.ProviderAccount, error) {
	out := []models.ProviderAccount{}
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *SQLite) GetAccount(ctx context.Context, id int64) (*models.ProviderAccount, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM provider_accounts WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "account", strconv.FormatInt(id, 10))
	}
	return a, nil
}

func (s *SQLite) UpsertAccount(ctx context.Context, account *models.ProviderAccount) error {
	now := time.Now().UTC()
	if account.Status == "" {
		account.Status = models.AccountStatusActive
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var existingID int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM provider_accounts WHERE provider_id = ? AND email = ?`,
			account.ProviderID, account.Email).Scan(&existingID)
		switch {
		case err == nil:
			_, err = tx.ExecContext(ctx,
				`UPDATE provider_accounts SET tokens = ?, status = ?, expires_at = ? WHERE id = ?`,
				account.EncryptedTokens, account.Status, nullTime(account.ExpiresAt), existingID)
			if err != nil {
				return err
			}
			account.ID = existingID
			return nil
		case err == sql.ErrNoRows:
			res, err := tx.ExecContext(ctx,
				`INSERT INTO provider_accounts (provider_id, email, tokens, status, expires_at, created_at)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				account.ProviderID, account.Email, account.EncryptedTokens,
				account.Status, nullTime(account.ExpiresAt), now.Format(timeFormat))
			if err != nil {
				return err
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			account.ID = id
			account.CreatedAt = now
			return nil
		default:
			return err
		}
	})
}

func (s *SQLite) UpdateAccountTokens(ctx context.Context, id int64, encryptedTokens string, expiresAt *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE provider_accounts SET tokens = ?, expires_at = ?, status = ? WHERE id = ?`,
		encryptedTokens, nullTime(expiresAt), models.AccountStatusActive, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &ErrNotFound{Entity: "account", Key: strconv.FormatInt(id, 10)}
	}
	return nil
}

func (s *SQLite) UpdateAccountStatus(ctx context.Context, id int64, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE provider_accounts SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &ErrNotFound{Entity: "account", Key: strconv.FormatInt(id, 10)}
	}
	return nil
}

func (s *SQLite) DeleteAccount(ctx context.Context, providerName string, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM provider_accounts WHERE id = ? AND provider_id IN
			(SELECT id FROM providers WHERE name = ?)`,
		id, providerName)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &ErrNotFound{Entity: "account", Key: strconv.FormatInt(id, 10)}
	}
	return nil
}
