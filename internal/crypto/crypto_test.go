package crypto

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBox(t *testing.T) *Box {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	box, err := NewBox(key)
	require.NoError(t, err)
	return box
}

func TestParseKey(t *testing.T) {
	hexKey := strings.Repeat("0123456789abcdef", 4)
	b, err := ParseKey(hexKey)
	require.NoError(t, err)
	assert.Len(t, b, 32)

	raw := make([]byte, 32)
	b, err = ParseKey(base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, err)
	assert.Len(t, b, 32)

	_, err = ParseKey("")
	assert.Error(t, err)
	_, err = ParseKey("too-short")
	assert.Error(t, err)
	_, err = ParseKey(strings.Repeat("ab", 16)) // 16 bytes, not 32
	assert.Error(t, err)
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	box := testBox(t)

	plaintext := []byte(`{"access_token":"sk-abc123","refresh_token":"rt-xyz789","expires_at":1234567890}`)
	encrypted, err := box.Encrypt(plaintext)
	require.NoError(t, err)

	decrypted, err := box.Decrypt(encrypted)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestEncryptUsesRandomNonce(t *testing.T) {
	box := testBox(t)

	first, err := box.Encrypt([]byte("same-value"))
	require.NoError(t, err)
	second, err := box.Encrypt([]byte("same-value"))
	require.NoError(t, err)

	assert.NotEqual(t, first, second, "same plaintext must yield distinct ciphertexts")
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	box := testBox(t)
	encrypted, err := box.Encrypt([]byte("secret data"))
	require.NoError(t, err)

	wrongKey := make([]byte, 32)
	for i := range wrongKey {
		wrongKey[i] = 0xff
	}
	wrong, err := NewBox(wrongKey)
	require.NoError(t, err)

	_, err = wrong.Decrypt(encrypted)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	box := testBox(t)
	encrypted, err := box.Encrypt([]byte("payload"))
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(encrypted)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01
	tampered := base64.StdEncoding.EncodeToString(raw)

	_, err = box.Decrypt(tampered)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestDecryptTooShort(t *testing.T) {
	box := testBox(t)
	_, err := box.Decrypt(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestHashAndVerifySecret(t *testing.T) {
	digest, err := HashSecret("hunter2")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(digest, "$argon2id$"))

	assert.True(t, VerifySecret("hunter2", digest))
	assert.False(t, VerifySecret("hunter3", digest))
	assert.False(t, VerifySecret("hunter2", "not-a-digest"))
}

func TestHashSecretSaltsDiffer(t *testing.T) {
	a, err := HashSecret("pw")
	require.NoError(t, err)
	b, err := HashSecret("pw")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.True(t, VerifySecret("pw", a))
	assert.True(t, VerifySecret("pw", b))
}

func TestGenerateAPIKey(t *testing.T) {
	key, prefix, digest, err := GenerateAPIKey("alice")
	require.NoError(t, err)

	assert.Equal(t, "sk-alice", prefix)
	assert.True(t, strings.HasPrefix(key, "sk-alice-"))
	assert.Len(t, strings.TrimPrefix(key, "sk-alice-"), 32)
	assert.True(t, VerifySecret(key, digest))
	assert.False(t, VerifySecret(key+"x", digest))
}

func TestExtractKeyPrefix(t *testing.T) {
	prefix, ok := ExtractKeyPrefix("sk-alice-00112233445566778899aabbccddeeff")
	require.True(t, ok)
	assert.Equal(t, "sk-alice", prefix)

	// Hyphenated names resolve to the full name prefix.
	prefix, ok = ExtractKeyPrefix("sk-ci-bot-00112233445566778899aabbccddeeff")
	require.True(t, ok)
	assert.Equal(t, "sk-ci-bot", prefix)

	_, ok = ExtractKeyPrefix("pk-alice-deadbeef")
	assert.False(t, ok)
	_, ok = ExtractKeyPrefix("sk-noseparator")
	assert.False(t, ok)
}

func TestNewSessionToken(t *testing.T) {
	a, err := NewSessionToken()
	require.NoError(t, err)
	b, err := NewSessionToken()
	require.NoError(t, err)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}
