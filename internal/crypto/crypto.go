// Package crypto owns all secret material handling for TokenGate: the
// AES-256-GCM box protecting provider tokens at rest, and the argon2id
// digests backing admin passwords and user API keys.
//
// The symmetric key is read once at startup and never persisted. Rotating it
// in place is not supported; ciphertexts written under the old key become
// undecryptable and surface as ErrDecrypt.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const nonceSize = 12

// ErrDecrypt is returned when a ciphertext fails authentication: wrong key,
// tampered data, or truncation. The row it belongs to is unusable.
var ErrDecrypt = errors.New("crypto: decryption failed: invalid key or corrupted data")

// ParseKey decodes a 32-byte key from 64 hex chars or 44 base64 chars.
func ParseKey(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, errors.New("crypto: encryption key not set")
	}
	if b, err := hex.DecodeString(encoded); err == nil && len(b) == 32 {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(encoded); err == nil && len(b) == 32 {
		return b, nil
	}
	return nil, errors.New("crypto: encryption key must be 32 bytes encoded as hex (64 chars) or base64 (44 chars)")
}

// Box seals and opens provider token blobs with AES-256-GCM.
type Box struct {
	aead cipher.AEAD
}

// NewBox builds a Box from raw 32-byte key material.
func NewBox(key []byte) (*Box, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("crypto: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: create GCM: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce and returns
// base64(nonce || ciphertext).
func (b *Box) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("crypto: generate nonce: %w", err)
	}
	sealed := b.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Authentication failure of
// any kind maps to ErrDecrypt.
func (b *Box) Decrypt(encoded string) ([]byte, error) {
	combined, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid base64: %w", err)
	}
	if len(combined) < nonceSize {
		return nil, ErrDecrypt
	}
	nonce, ciphertext := combined[:nonceSize], combined[nonceSize:]
	plaintext, err := b.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// ── Password / API-key hashing ───────────────────────────────

// argon2id parameters; stored in the digest so they can evolve.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
)

// HashSecret derives an argon2id digest in PHC string format:
// $argon2id$v=19$m=65536,t=1,p=4$<salt>$<hash>
func HashSecret(secret string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("crypto: generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

// VerifySecret reports whether secret matches an encoded digest. The
// comparison is constant-time over the derived key.
func VerifySecret(secret, encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false
	}
	var memory, iterations uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(secret), salt, iterations, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}

// ── API keys ─────────────────────────────────────────────────

// GenerateAPIKey draws a fresh key of the form sk-<name>-<32 hex chars> and
// returns (plaintext key, prefix, digest). The plaintext is shown to the
// caller exactly once; only prefix and digest are stored.
func GenerateAPIKey(name string) (key, prefix, digest string, err error) {
	random := make([]byte, 16)
	if _, err = rand.Read(random); err != nil {
		return "", "", "", fmt.Errorf("crypto: generate key material: %w", err)
	}
	prefix = "sk-" + name
	key = prefix + "-" + hex.EncodeToString(random)
	digest, err = HashSecret(key)
	if err != nil {
		return "", "", "", err
	}
	return key, prefix, digest, nil
}

// ExtractKeyPrefix parses the displayable prefix out of a full API key.
// The random suffix is hex and never contains a hyphen, so the prefix is
// everything before the last one; this keeps hyphenated user names working.
func ExtractKeyPrefix(apiKey string) (string, bool) {
	if !strings.HasPrefix(apiKey, "sk-") {
		return "", false
	}
	idx := strings.LastIndex(apiKey[3:], "-")
	if idx < 0 {
		return "", false
	}
	return apiKey[:3+idx], true
}

// NewSessionToken returns a 32-byte random token, hex encoded. Used for
// session ids and CSRF tokens.
func NewSessionToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto: generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
