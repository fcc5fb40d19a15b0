// Package auth validates the static bearer credential carried in the
// Authorization header.
package auth

import (
	"errors"
	"net/http"

	"authgate/internal/config"
)

var (
	// ErrMissingAuthorization is returned when the request has no Authorization header.
	ErrMissingAuthorization = errors.New("missing Authorization header")
	// ErrInvalidToken is returned when the Authorization header does not equal the token.
	ErrInvalidToken = errors.New("invalid auth token")
)

// Validator checks requests against a single configured token.
type Validator struct {
	token string
}

// NewValidator creates a Validator for the configured auth token.
func NewValidator(cfg *config.Config) *Validator {
	return &Validator{token: cfg.Auth.Token}
}

// Check returns nil when the first Authorization value equals the token
// byte-for-byte. No scheme is parsed and nothing is trimmed.
//
// The comparison is a plain equality check and is not constant-time.
func (v *Validator) Check(header http.Header) error {
	vals := header.Values("Authorization")
	if len(vals) == 0 {
		return ErrMissingAuthorization
	}
	if vals[0] != v.token {
		return ErrInvalidToken
	}
	return nil
}

// Reason returns a bounded label describing why err rejected a request, for
// logs and metrics. It returns "" for errors that are not auth rejections.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrMissingAuthorization):
		return "missing"
	case errors.Is(err, ErrInvalidToken):
		return "invalid"
	default:
		return ""
	}
}
