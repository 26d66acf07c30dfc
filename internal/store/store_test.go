package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokengate/tokengate/pkg/models"
)

func testStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func mustCreateUser(t *testing.T, s *SQLite, name string) *models.User {
	t.Helper()
	u := &models.User{Name: name, APIKeyPrefix: "sk-" + name}
	require.NoError(t, s.CreateUser(context.Background(), u, "$argon2id$test"))
	return u
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Ping(context.Background()))
}

func TestUserCRUD(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	u := mustCreateUser(t, s, "alice")
	assert.NotZero(t, u.ID)
	assert.True(t, u.Enabled)
	assert.Nil(t, u.QuotaTokens)

	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Name)
	assert.Equal(t, "sk-alice", got.APIKeyPrefix)

	byPrefix, err := s.GetUserByKeyPrefix(ctx, "sk-alice")
	require.NoError(t, err)
	assert.Equal(t, u.ID, byPrefix.ID)
	assert.Equal(t, "$argon2id$test", byPrefix.APIKeyHash)

	quota := int64(1000)
	name := "alice2"
	updated, err := s.UpdateUser(ctx, u.ID, UserUpdate{Name: &name, Quota: &quota, QuotaSet: true})
	require.NoError(t, err)
	assert.Equal(t, "alice2", updated.Name)
	require.NotNil(t, updated.QuotaTokens)
	assert.Equal(t, int64(1000), *updated.QuotaTokens)

	// QuotaSet with nil quota clears it.
	updated, err = s.UpdateUser(ctx, u.ID, UserUpdate{QuotaSet: true})
	require.NoError(t, err)
	assert.Nil(t, updated.QuotaTokens)

	disabled := false
	updated, err = s.UpdateUser(ctx, u.ID, UserUpdate{Enabled: &disabled})
	require.NoError(t, err)
	assert.False(t, updated.Enabled)

	require.NoError(t, s.DeleteUser(ctx, u.ID))
	_, err = s.GetUser(ctx, u.ID)
	var nf *ErrNotFound
	assert.ErrorAs(t, err, &nf)
}

func TestCreateUserDuplicateName(t *testing.T) {
	s := testStore(t)
	mustCreateUser(t, s, "bob")

	dup := &models.User{Name: "bob", APIKeyPrefix: "sk-bob2"}
	err := s.CreateUser(context.Background(), dup, "hash")
	var conflict *ErrConflict
	assert.ErrorAs(t, err, &conflict)
}

func TestReplaceUserKey(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	u := mustCreateUser(t, s, "carol")

	require.NoError(t, s.ReplaceUserKey(ctx, u.ID, "sk-carol", "new-hash"))
	got, err := s.GetUserByKeyPrefix(ctx, "sk-carol")
	require.NoError(t, err)
	assert.Equal(t, "new-hash", got.APIKeyHash)

	err = s.ReplaceUserKey(ctx, 9999, "sk-x", "h")
	var nf *ErrNotFound
	assert.ErrorAs(t, err, &nf)
}

func TestLogUsageBumpsCounter(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	u := mustCreateUser(t, s, "dave")

	entry := &models.UsageLog{
		UserID:       u.ID,
		Provider:     "openai",
		Model:        "gpt-4o",
		TokensInput:  100,
		TokensOutput: 50,
		DurationMS:   420,
	}
	require.NoError(t, s.LogUsage(ctx, entry))
	assert.NotZero(t, entry.ID)
	assert.Equal(t, models.UsageStatusSuccess, entry.Status)

	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(150), got.UsedTokens)
	assert.NotNil(t, got.LastUsedAt)

	prev, err := s.ResetUserUsage(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(150), prev)

	got, err = s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Zero(t, got.UsedTokens)
}

func TestUsageStatsAndProviders(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	u1 := mustCreateUser(t, s, "erin")
	u2 := mustCreateUser(t, s, "frank")

	for i, log := range []*models.UsageLog{
		{UserID: u1.ID, Provider: "openai", Model: "gpt-4o", TokensInput: 10, TokensOutput: 5},
		{UserID: u1.ID, Provider: "claude", Model: "claude-sonnet", TokensInput: 20, TokensOutput: 10},
		{UserID: u2.ID, Provider: "openai", Model: "gpt-4o", TokensInput: 30, TokensOutput: 0, Status: models.UsageStatusError, ErrorMessage: "upstream timeout"},
	} {
		require.NoError(t, s.LogUsage(ctx, log), "log %d", i)
	}

	stats, err := s.UsageStats(ctx, "day", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalRequests)
	assert.Equal(t, int64(60), stats.TotalTokensInput)
	assert.Equal(t, int64(15), stats.TotalTokensOutput)

	stats, err = s.UsageStats(ctx, "all", &u1.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalRequests)

	_, err = s.UsageStats(ctx, "fortnight", nil)
	assert.Error(t, err)

	byProvider, err := s.UsageByProvider(ctx, "week")
	require.NoError(t, err)
	require.Len(t, byProvider, 2)
	assert.Equal(t, "openai", byProvider[0].Provider)
	assert.Equal(t, int64(2), byProvider[0].Requests)
}

func TestListLogsFilters(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	u := mustCreateUser(t, s, "grace")

	require.NoError(t, s.LogUsage(ctx, &models.UsageLog{UserID: u.ID, Provider: "openai", Model: "gpt-4o", TokensInput: 1, TokensOutput: 1}))
	require.NoError(t, s.LogUsage(ctx, &models.UsageLog{UserID: u.ID, Provider: "claude", Model: "claude-opus", TokensInput: 2, TokensOutput: 2, Status: models.UsageStatusError}))

	logs, total, err := s.ListLogs(ctx, LogFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, logs, 2)
	// Newest first.
	assert.Equal(t, "claude", logs[0].Provider)
	assert.Equal(t, "grace", logs[0].UserName)

	logs, total, err = s.ListLogs(ctx, LogFilter{Status: models.UsageStatusError})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, logs, 1)
	assert.Equal(t, "claude", logs[0].Provider)

	logs, _, err = s.ListLogs(ctx, LogFilter{Provider: "openai", UserID: &u.ID})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "gpt-4o", logs[0].Model)
}

func TestRollupDayAndDailyUsage(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	u := mustCreateUser(t, s, "heidi")

	yesterday := time.Now().UTC().AddDate(0, 0, -1)
	date := yesterday.Format("2006-01-02")

	for i := 0; i < 3; i++ {
		require.NoError(t, s.LogUsage(ctx, &models.UsageLog{
			UserID: u.ID, Provider: "openai", Model: "gpt-4o",
			TokensInput: 10, TokensOutput: 5, Timestamp: yesterday,
		}))
	}
	require.NoError(t, s.RollupDay(ctx, date))
	// Running twice must not double-count.
	require.NoError(t, s.RollupDay(ctx, date))

	daily, err := s.DailyUsage(ctx, 7, nil, "")
	require.NoError(t, err)
	require.Len(t, daily, 1)
	assert.Equal(t, date, daily[0].Date)
	assert.Equal(t, int64(3), daily[0].Requests)
	assert.Equal(t, int64(30), daily[0].TokensInput)

	daily, err = s.DailyUsage(ctx, 7, &u.ID, "openai")
	require.NoError(t, err)
	require.Len(t, daily, 1)
	assert.Equal(t, int64(3), daily[0].Requests)

	// Today's traffic is served live, without a rollup.
	require.NoError(t, s.LogUsage(ctx, &models.UsageLog{
		UserID: u.ID, Provider: "openai", Model: "gpt-4o", TokensInput: 7, TokensOutput: 3,
	}))
	daily, err = s.DailyUsage(ctx, 7, nil, "")
	require.NoError(t, err)
	require.Len(t, daily, 2)
	assert.Equal(t, int64(1), daily[1].Requests)
	assert.Equal(t, int64(7), daily[1].TokensInput)

	assert.Error(t, s.RollupDay(ctx, "not-a-date"))
}

func TestPruneUsageLogs(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	u := mustCreateUser(t, s, "ivan")

	old := time.Now().UTC().AddDate(0, 0, -120)
	require.NoError(t, s.LogUsage(ctx, &models.UsageLog{UserID: u.ID, Provider: "openai", Model: "gpt-4o", Timestamp: old}))
	require.NoError(t, s.LogUsage(ctx, &models.UsageLog{UserID: u.ID, Provider: "openai", Model: "gpt-4o"}))

	removed, err := s.PruneUsageLogs(ctx, time.Now().UTC().AddDate(0, 0, -90))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, total, err := s.ListLogs(ctx, LogFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestProviderCRUD(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	p := &models.Provider{Name: "claude", Kind: models.ProviderKindOAuth}
	require.NoError(t, s.CreateProvider(ctx, p))
	assert.NotZero(t, p.ID)
	assert.True(t, p.Enabled)

	err := s.CreateProvider(ctx, &models.Provider{Name: "claude", Kind: models.ProviderKindOAuth})
	var conflict *ErrConflict
	assert.ErrorAs(t, err, &conflict)

	disabled := false
	settings := &models.ProviderSettings{LoadBalancing: models.LoadBalanceLeastUsed, TimeoutSeconds: 60}
	updated, err := s.UpdateProvider(ctx, "claude", &disabled, settings)
	require.NoError(t, err)
	assert.False(t, updated.Enabled)
	assert.Equal(t, models.LoadBalanceLeastUsed, updated.Settings.LoadBalancing)
	assert.Equal(t, 60, updated.Settings.TimeoutSeconds)

	list, err := s.ListProviders(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, s.DeleteProvider(ctx, "claude"))
	_, err = s.GetProvider(ctx, "claude")
	var nf *ErrNotFound
	assert.ErrorAs(t, err, &nf)
}

func TestAccountLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	p := &models.Provider{Name: "gemini", Kind: models.ProviderKindOAuth}
	require.NoError(t, s.CreateProvider(ctx, p))

	exp := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	acct := &models.ProviderAccount{
		ProviderID:      p.ID,
		Email:           "dev@example.com",
		EncryptedTokens: "ciphertext-v1",
		ExpiresAt:       &exp,
	}
	require.NoError(t, s.UpsertAccount(ctx, acct))
	firstID := acct.ID
	assert.NotZero(t, firstID)
	assert.Equal(t, models.AccountStatusActive, acct.Status)

	// Same (provider, email) replaces tokens instead of inserting.
	again := &models.ProviderAccount{
		ProviderID:      p.ID,
		Email:           "dev@example.com",
		EncryptedTokens: "ciphertext-v2",
	}
	require.NoError(t, s.UpsertAccount(ctx, again))
	assert.Equal(t, firstID, again.ID)

	accounts, err := s.ListAccounts(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "ciphertext-v2", accounts[0].EncryptedTokens)

	require.NoError(t, s.UpdateAccountStatus(ctx, firstID, models.AccountStatusExpired))
	got, err := s.GetAccount(ctx, firstID)
	require.NoError(t, err)
	assert.Equal(t, models.AccountStatusExpired, got.Status)

	// A token refresh reactivates the account.
	require.NoError(t, s.UpdateAccountTokens(ctx, firstID, "ciphertext-v3", &exp))
	got, err = s.GetAccount(ctx, firstID)
	require.NoError(t, err)
	assert.Equal(t, models.AccountStatusActive, got.Status)

	require.NoError(t, s.DeleteAccount(ctx, "gemini", firstID))
	var nf *ErrNotFound
	assert.ErrorAs(t, s.DeleteAccount(ctx, "gemini", firstID), &nf)
}

func TestDeleteProviderCascadesAccounts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	p := &models.Provider{Name: "openai", Kind: models.ProviderKindAPIKey}
	require.NoError(t, s.CreateProvider(ctx, p))
	require.NoError(t, s.UpsertAccount(ctx, &models.ProviderAccount{
		ProviderID: p.ID, Email: "a@b.c", EncryptedTokens: "ct",
	}))

	require.NoError(t, s.DeleteProvider(ctx, "openai"))
	accounts, err := s.ListAllAccounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, accounts)
}

func TestSessionLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	sess := &models.Session{
		ID:        "sess-1",
		CSRFToken: "csrf-1",
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}
	require.NoError(t, s.CreateSession(ctx, sess))

	got, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "csrf-1", got.CSRFToken)

	newExpiry := time.Now().UTC().Add(2 * time.Hour).Truncate(time.Second)
	require.NoError(t, s.TouchSession(ctx, "sess-1", newExpiry))
	got, err = s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, newExpiry, got.ExpiresAt.Truncate(time.Second))

	require.NoError(t, s.DeleteSession(ctx, "sess-1"))
	_, err = s.GetSession(ctx, "sess-1")
	var nf *ErrNotFound
	assert.ErrorAs(t, err, &nf)
}

func TestDeleteExpiredSessions(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, &models.Session{
		ID: "live", CSRFToken: "c", ExpiresAt: time.Now().UTC().Add(time.Hour),
	}))
	require.NoError(t, s.CreateSession(ctx, &models.Session{
		ID: "dead", CSRFToken: "c", ExpiresAt: time.Now().UTC().Add(-time.Hour),
	}))

	removed, err := s.DeleteExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = s.GetSession(ctx, "live")
	assert.NoError(t, err)
}

func TestOAuthStateConsumeOnce(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateOAuthState(ctx, &models.OAuthState{
		State:     "nonce-1",
		Provider:  "claude",
		SessionID: "sess-1",
		ExpiresAt: time.Now().UTC().Add(15 * time.Minute),
	}))

	got, err := s.ConsumeOAuthState(ctx, "nonce-1")
	require.NoError(t, err)
	assert.Equal(t, "claude", got.Provider)
	assert.Equal(t, "sess-1", got.SessionID)

	_, err = s.ConsumeOAuthState(ctx, "nonce-1")
	var nf *ErrNotFound
	assert.ErrorAs(t, err, &nf)
}

func TestOAuthStateExpired(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateOAuthState(ctx, &models.OAuthState{
		State:     "stale",
		Provider:  "openai",
		SessionID: "sess-1",
		ExpiresAt: time.Now().UTC().Add(-time.Minute),
	}))

	_, err := s.ConsumeOAuthState(ctx, "stale")
	var nf *ErrNotFound
	assert.ErrorAs(t, err, &nf)
}

func TestSettingsRoundtrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, ok, err := s.GetSetting(ctx, "server_config")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetSetting(ctx, "server_config", `{"proxy_port":8317}`))
	v, ok, err := s.GetSetting(ctx, "server_config")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"proxy_port":8317}`, v)

	require.NoError(t, s.SetSetting(ctx, "server_config", `{"proxy_port":9000}`))
	v, _, err = s.GetSetting(ctx, "server_config")
	require.NoError(t, err)
	assert.Equal(t, `{"proxy_port":9000}`, v)
}

func TestListUsersPagination(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	for _, name := range []string{"u1", "u2", "u3"} {
		mustCreateUser(t, s, name)
	}

	users, total, err := s.ListUsers(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, users, 2)
	assert.Equal(t, "u1", users[0].Name)

	users, _, err = s.ListUsers(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "u3", users[0].Name)
}
