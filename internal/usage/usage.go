// Package usage implements request accounting: the recorder that the gateway
// feeds with per-request token counts, the read APIs behind the admin usage
// endpoints, and the rollup janitor that compacts raw logs into daily
// aggregates and prunes old rows.
package usage

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tokengate/tokengate/internal/store"
	"github.com/tokengate/tokengate/pkg/models"
)

// DefaultRetentionDays is how long raw usage logs are kept. Aggregates in
// daily_usage survive pruning.
const DefaultRetentionDays = 90

// Recorder writes accounting rows. All methods are safe for concurrent use.
type Recorder struct {
	store store.Store
}

// NewRecorder builds a recorder over the store.
func NewRecorder(st store.Store) *Recorder {
	return &Recorder{store: st}
}

// Record appends a usage row and bumps the user's counter in one
// transaction. Accounting is best-effort from the gateway's point of view:
// the caller logs failures but never fails the user request over them.
func (r *Recorder) Record(ctx context.Context, entry *models.UsageLog) error {
	if entry.Provider == "" {
		entry.Provider = ProviderForModel(entry.Model)
	}
	return r.store.LogUsage(ctx, entry)
}

// Stats aggregates over a period ("day", "week", "month", "all"), optionally
// scoped to one user.
func (r *Recorder) Stats(ctx context.Context, period string, userID *int64) (models.UsageStats, error) {
	return r.store.UsageStats(ctx, period, userID)
}

// ByProvider aggregates per provider over a period.
func (r *Recorder) ByProvider(ctx context.Context, period string) ([]models.ProviderUsage, error) {
	return r.store.UsageByProvider(ctx, period)
}

// Daily serves day buckets: closed days from the rollup table, today live.
func (r *Recorder) Daily(ctx context.Context, days int, userID *int64, provider string) ([]models.DailyUsage, error) {
	return r.store.DailyUsage(ctx, days, userID, provider)
}

// Logs lists raw usage rows for the admin logs view.
func (r *Recorder) Logs(ctx context.Context, filter store.LogFilter) ([]models.LogEntry, int64, error) {
	return r.store.ListLogs(ctx, filter)
}

// ProviderForModel attributes a model name to its provider when the upstream
// response omits one.
func ProviderForModel(model string) string {
	switch {
	case strings.HasPrefix(model, "gpt-"), strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"):
		return "openai"
	case strings.HasPrefix(model, "claude-"):
		return "anthropic"
	case strings.HasPrefix(model, "gemini-"):
		return "google"
	default:
		return "unknown"
	}
}

// Janitor is the background aggregator: once per cycle it rolls the previous
// day's logs into daily_usage and prunes raw rows past the retention
// horizon.
type Janitor struct {
	store         store.Store
	interval      time.Duration
	retentionDays int
}

// NewJanitor creates a janitor running on the given interval. Intervals
// under a minute are clamped; the production default is 24 hours.
func NewJanitor(st store.Store, interval time.Duration, retentionDays int) *Janitor {
	if interval < time.Minute {
		interval = 24 * time.Hour
	}
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Janitor{store: st, interval: interval, retentionDays: retentionDays}
}

// Start runs the janitor until ctx is canceled. One cycle runs immediately
// so a restart never leaves yesterday un-aggregated for a whole interval.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().
		Dur("interval", j.interval).
		Int("retention_days", j.retentionDays).
		Msg("Usage rollup janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Usage rollup janitor stopped")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce performs one rollup + prune cycle. Exposed for the on-demand
// trigger and tests.
func (j *Janitor) RunOnce(ctx context.Context) {
	start := time.Now()
	yesterday := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")

	if err := j.store.RollupDay(ctx, yesterday); err != nil {
		log.Warn().Err(err).Str("date", yesterday).Msg("Daily rollup failed")
		return
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -j.retentionDays)
	pruned, err := j.store.PruneUsageLogs(ctx, cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("Usage log pruning failed")
		return
	}

	if pruned > 0 {
		log.Info().
			Str("date", yesterday).
			Int64("pruned", pruned).
			Dur("elapsed", time.Since(start)).
			Msg("Usage rollup cycle complete")
	}
}
