package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/tokengate/tokengate/pkg/models"
)

// periodCutoff translates a named period into an inclusive lower bound on
// usage_logs.timestamp. RFC3339 UTC strings compare lexicographically, so the
// bound is applied as a plain string comparison.
func periodCutoff(period string, now time.Time) (string, error) {
	now = now.UTC()
	switch period {
	case "day":
		return now.Add(-24 * time.Hour).Format(timeFormat), nil
	case "week":
		return now.Add(-7 * 24 * time.Hour).Format(timeFormat), nil
	case "month":
		return now.Add(-30 * 24 * time.Hour).Format(timeFormat), nil
	case "all", "":
		return "", nil
	default:
		return "", fmt.Errorf("unknown period %q", period)
	}
}

func (s *SQLite) LogUsage(ctx context.Context, entry *models.UsageLog) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Status == "" {
		entry.Status = models.UsageStatusSuccess
	}
	ts := entry.Timestamp.UTC().Format(timeFormat)

	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO usage_logs (user_id, provider, model, tokens_input, tokens_output, duration_ms, status, error_message, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.UserID, entry.Provider, entry.Model,
			entry.TokensInput, entry.TokensOutput, entry.DurationMS,
			entry.Status, nullStr(entry.ErrorMessage), ts)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		entry.ID = id

		_, err = tx.ExecContext(ctx,
			`UPDATE users SET used_tokens = used_tokens + ?, last_used_at = ? WHERE id = ?`,
			entry.TokensInput+entry.TokensOutput, ts, entry.UserID)
		return err
	})
}

func (s *SQLite) UsageStats(ctx context.Context, period string, userID *int64) (models.UsageStats, error) {
	var stats models.UsageStats

	cutoff, err := periodCutoff(period, time.Now())
	if err != nil {
		return stats, err
	}

	query := `SELECT COUNT(*), COALESCE(SUM(tokens_input), 0), COALESCE(SUM(tokens_output), 0) FROM usage_logs`
	where := []string{}
	args := []any{}
	if cutoff != "" {
		where = append(where, "timestamp >= ?")
		args = append(args, cutoff)
	}
	if userID != nil {
		where = append(where, "user_id = ?")
		args = append(args, *userID)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	err = s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.TotalRequests, &stats.TotalTokensInput, &stats.TotalTokensOutput)
	return stats, err
}

func (s *SQLite) UsageByProvider(ctx context.Context, period string) ([]models.ProviderUsage, error) {
	cutoff, err := periodCutoff(period, time.Now())
	if err != nil {
		return nil, err
	}

	query := `SELECT provider, COUNT(*), COALESCE(SUM(tokens_input), 0), COALESCE(SUM(tokens_output), 0)
		FROM usage_logs`
	args := []any{}
	if cutoff != "" {
		query += ` WHERE timestamp >= ?`
		args = append(args, cutoff)
	}
	query += ` GROUP BY provider ORDER BY COUNT(*) DESC, provider`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.ProviderUsage{}
	for rows.Next() {
		var p models.ProviderUsage
		if err := rows.Scan(&p.Provider, &p.Requests, &p.TokensInput, &p.TokensOutput); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLite) DailyUsage(ctx context.Context, days int, userID *int64, provider string) ([]models.DailyUsage, error) {
	if days < 1 {
		days = 1
	}
	today := time.Now().UTC().Format("2006-01-02")
	first := time.Now().UTC().AddDate(0, 0, -(days - 1)).Format("2006-01-02")

	// Closed days come from the rollup table. The rollup holds four
	// granularities; pick the one matching the filters.
	query := `SELECT date, requests, tokens_input, tokens_output FROM daily_usage
		WHERE date >= ? AND date < ?`
	args := []any{first, today}
	if userID != nil {
		query += ` AND user_id = ?`
		args = append(args, *userID)
	} else {
		query += ` AND user_id IS NULL`
	}
	if provider != "" {
		query += ` AND provider = ?`
		args = append(args, provider)
	} else {
		query += ` AND provider IS NULL`
	}
	query += ` ORDER BY date`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.DailyUsage{}
	for rows.Next() {
		d := models.DailyUsage{UserID: userID}
		if provider != "" {
			p := provider
			d.Provider = &p
		}
		if err := rows.Scan(&d.Date, &d.Requests, &d.TokensInput, &d.TokensOutput); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Today is never rolled up yet; aggregate it live from the raw logs.
	live := `SELECT COUNT(*), COALESCE(SUM(tokens_input), 0), COALESCE(SUM(tokens_output), 0)
		FROM usage_logs WHERE substr(timestamp, 1, 10) = ?`
	liveArgs := []any{today}
	if userID != nil {
		live += ` AND user_id = ?`
		liveArgs = append(liveArgs, *userID)
	}
	if provider != "" {
		live += ` AND provider = ?`
		liveArgs = append(liveArgs, provider)
	}

	var d models.DailyUsage
	d.Date = today
	d.UserID = userID
	if provider != "" {
		p := provider
		d.Provider = &p
	}
	if err := s.db.QueryRowContext(ctx, live, liveArgs...).Scan(&d.Requests, &d.TokensInput, &d.TokensOutput); err != nil {
		return nil, err
	}
	if d.Requests > 0 {
		out = append(out, d)
	}
	return out, nil
}

// rollupGroup describes one granularity of the daily rollup.
type rollupGroup struct {
	selectCols string
	groupBy    string
}

func (s *SQLite) RollupDay(ctx context.Context, date string) error {
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return fmt.Errorf("rollup date %q: %w", date, err)
	}

	groups := []rollupGroup{
		{"user_id, provider", "GROUP BY user_id, provider"},
		{"user_id, NULL", "GROUP BY user_id"},
		{"NULL, provider", "GROUP BY provider"},
		{"NULL, NULL", ""},
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM daily_usage WHERE date = ?`, date); err != nil {
			return err
		}
		for _, g := range groups {
			// HAVING keeps empty days from producing a zero row in the
			// ungrouped granularity.
			query := `INSERT INTO daily_usage (date, user_id, provider, requests, tokens_input, tokens_output)
				SELECT ?, ` + g.selectCols + `, COUNT(*), COALESCE(SUM(tokens_input), 0), COALESCE(SUM(tokens_output), 0)
				FROM usage_logs WHERE substr(timestamp, 1, 10) = ? ` + g.groupBy + ` HAVING COUNT(*) > 0`
			if _, err := tx.ExecContext(ctx, query, date, date); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLite) PruneUsageLogs(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM usage_logs WHERE timestamp < ?`,
		before.UTC().Format(timeFormat))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLite) ListLogs(ctx context.Context, filter LogFilter) ([]models.LogEntry, int64, error) {
	if filter.Limit < 1 || filter.Limit > 500 {
		filter.Limit = 100
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	where := []string{}
	args := []any{}
	if filter.UserID != nil {
		where = append(where, "l.user_id = ?")
		args = append(args, *filter.UserID)
	}
	if filter.Provider != "" {
		where = append(where, "l.provider = ?")
		args = append(args, filter.Provider)
	}
	if filter.Status != "" {
		where = append(where, "l.status = ?")
		args = append(args, filter.Status)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM usage_logs l`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT l.id, l.timestamp, l.user_id, COALESCE(u.name, 'user #' || l.user_id),
			l.provider, l.model, l.tokens_input, l.tokens_output, l.duration_ms, l.status
		FROM usage_logs l LEFT JOIN users u ON u.id = l.user_id` +
		clause + ` ORDER BY l.id DESC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := []models.LogEntry{}
	for rows.Next() {
		var e models.LogEntry
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.UserID, &e.UserName,
			&e.Provider, &e.Model, &e.TokensInput, &e.TokensOutput, &e.DurationMS, &e.Status); err != nil {
			return nil, 0, err
		}
		e.Timestamp = scanTime(ts)
		out = append(out, e)
	}
	return out, total, rows.Err()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
