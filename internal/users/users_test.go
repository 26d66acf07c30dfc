package users

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokengate/tokengate/internal/store"
)

func testService(t *testing.T) *Service {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return NewService(s)
}

func TestCreateReturnsWorkingKey(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	quota := int64(1000)
	user, key, err := svc.Create(ctx, "alice", &quota)
	require.NoError(t, err)
	assert.Equal(t, "sk-alice", user.APIKeyPrefix)
	assert.NotEmpty(t, key)

	authed, err := svc.Authenticate(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, user.ID, authed.ID)
	require.NotNil(t, authed.QuotaTokens)
	assert.Equal(t, int64(1000), *authed.QuotaTokens)
}

func TestCreateValidation(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	_, _, err := svc.Create(ctx, "  ", nil)
	assert.ErrorIs(t, err, ErrInvalidName)

	negative := int64(-1)
	_, _, err = svc.Create(ctx, "bob", &negative)
	assert.ErrorIs(t, err, ErrInvalidQuota)

	_, _, err = svc.Create(ctx, "carol", nil)
	require.NoError(t, err)
	_, _, err = svc.Create(ctx, "carol", nil)
	var conflict *store.ErrConflict
	assert.ErrorAs(t, err, &conflict)
}

func TestAuthenticateRejectsBadKeys(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	_, key, err := svc.Create(ctx, "dave", nil)
	require.NoError(t, err)

	_, err = svc.Authenticate(ctx, "not-a-key")
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = svc.Authenticate(ctx, "sk-nobody-00112233445566778899aabbccddeeff")
	assert.ErrorIs(t, err, ErrInvalidKey)

	// Right prefix, wrong suffix.
	_, err = svc.Authenticate(ctx, key[:len(key)-4]+"0000")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestAuthenticateDisabledUser(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	user, key, err := svc.Create(ctx, "erin", nil)
	require.NoError(t, err)

	disabled := false
	_, err = svc.Update(ctx, user.ID, store.UserUpdate{Enabled: &disabled})
	require.NoError(t, err)

	_, err = svc.Authenticate(ctx, key)
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestRegenerateKeyInvalidatesOld(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	user, oldKey, err := svc.Create(ctx, "frank", nil)
	require.NoError(t, err)

	_, newKey, err := svc.RegenerateKey(ctx, user.ID)
	require.NoError(t, err)
	assert.NotEqual(t, oldKey, newKey)

	_, err = svc.Authenticate(ctx, oldKey)
	assert.ErrorIs(t, err, ErrInvalidKey)

	authed, err := svc.Authenticate(ctx, newKey)
	require.NoError(t, err)
	assert.Equal(t, user.ID, authed.ID)
}

func TestUpdateValidation(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	user, _, err := svc.Create(ctx, "grace", nil)
	require.NoError(t, err)

	empty := ""
	_, err = svc.Update(ctx, user.ID, store.UserUpdate{Name: &empty})
	assert.ErrorIs(t, err, ErrInvalidName)

	negative := int64(-5)
	_, err = svc.Update(ctx, user.ID, store.UserUpdate{Quota: &negative, QuotaSet: true})
	assert.ErrorIs(t, err, ErrInvalidQuota)

	padded := "  grace2  "
	updated, err := svc.Update(ctx, user.ID, store.UserUpdate{Name: &padded})
	require.NoError(t, err)
	assert.Equal(t, "grace2", updated.Name)
}
