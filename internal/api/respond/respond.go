// Package respond renders the uniform JSON envelopes used by every API
// surface. Errors carry a code from a closed taxonomy so clients can switch
// on them without parsing messages.
package respond

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/tokengate/tokengate/internal/auth"
	"github.com/tokengate/tokengate/internal/crypto"
	"github.com/tokengate/tokengate/internal/gateway"
	"github.com/tokengate/tokengate/internal/oauth"
	"github.com/tokengate/tokengate/internal/providers"
	"github.com/tokengate/tokengate/internal/store"
	"github.com/tokengate/tokengate/internal/users"
)

// The closed error-code taxonomy.
const (
	CodeUnauthorized  = "UNAUTHORIZED"
	CodeForbidden     = "FORBIDDEN"
	CodeNotFound      = "NOT_FOUND"
	CodeValidation    = "VALIDATION_ERROR"
	CodeConflict      = "CONFLICT"
	CodeQuotaExceeded = "QUOTA_EXCEEDED"
	CodeRateLimited   = "RATE_LIMITED"
	CodeProvider      = "PROVIDER_ERROR"
	CodeInternal      = "INTERNAL_ERROR"
)

// statusFor maps each code to its HTTP status.
var statusFor = map[string]int{
	CodeUnauthorized:  http.StatusUnauthorized,
	CodeForbidden:     http.StatusForbidden,
	CodeNotFound:      http.StatusNotFound,
	CodeValidation:    http.StatusBadRequest,
	CodeConflict:      http.StatusConflict,
	CodeQuotaExceeded: http.StatusTooManyRequests,
	CodeRateLimited:   http.StatusTooManyRequests,
	CodeProvider:      http.StatusBadGateway,
	CodeInternal:      http.StatusInternalServerError,
}

// errorEnvelope is the uniform failure shape.
type errorEnvelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

// JSON writes a success payload.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			log.Error().Err(err).Msg("Response encoding failed")
		}
	}
}

// Fail writes an error envelope for the given code.
func Fail(w http.ResponseWriter, code, msg string) {
	status, ok := statusFor[code]
	if !ok {
		status, code = http.StatusInternalServerError, CodeInternal
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: msg, Code: code})
}

// Err maps a domain error to its envelope. Unrecognized errors become
// INTERNAL_ERROR with a generic message; the cause is logged, not leaked.
func Err(w http.ResponseWriter, err error) {
	var nf *store.ErrNotFound
	var conflict *store.ErrConflict

	switch {
	case errors.As(err, &nf):
		Fail(w, CodeNotFound, nf.Error())
	case errors.As(err, &conflict):
		Fail(w, CodeConflict, conflict.Error())
	case errors.Is(err, users.ErrInvalidName), errors.Is(err, users.ErrInvalidQuota),
		errors.Is(err, providers.ErrInvalidSettings):
		Fail(w, CodeValidation, err.Error())
	case errors.Is(err, users.ErrInvalidKey), errors.Is(err, users.ErrDisabled):
		Fail(w, CodeUnauthorized, "invalid API key")
	case errors.Is(err, auth.ErrBadCredentials):
		Fail(w, CodeUnauthorized, "invalid credentials")
	case errors.Is(err, auth.ErrNoSession):
		Fail(w, CodeUnauthorized, "authentication required")
	case errors.Is(err, oauth.ErrUnknownProvider):
		Fail(w, CodeNotFound, "unknown provider")
	case errors.Is(err, oauth.ErrNotConfigured):
		Fail(w, CodeValidation, "provider has no OAuth client credentials")
	case errors.Is(err, oauth.ErrStateInvalid):
		Fail(w, CodeForbidden, "oauth state is invalid or expired")
	case errors.Is(err, gateway.ErrSidecarDown):
		Fail(w, CodeProvider, "upstream proxy is not running")
	case errors.Is(err, gateway.ErrRefreshFailed):
		Fail(w, CodeProvider, "provider credential refresh failed")
	case errors.Is(err, crypto.ErrDecrypt):
		Fail(w, CodeProvider, "stored credentials could not be decrypted")
	default:
		log.Error().Err(err).Msg("Unhandled API error")
		Fail(w, CodeInternal, "internal server error")
	}
}
