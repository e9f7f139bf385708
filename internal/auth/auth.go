// Package auth verifies signaling credentials and resolves them to a user
// identity before any signaling traffic is accepted.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/heartbeam/calling/internal/config"
	"github.com/heartbeam/calling/internal/identity"
)

// ErrUnauthorized is returned for any credential that fails verification.
// Callers must not leak the underlying reason to the client.
var ErrUnauthorized = errors.New("auth: invalid credential")

type Identity struct {
	UserID identity.UserID
}

// Verifier checks a client-presented credential. Implementations must be
// safe for concurrent use.
type Verifier interface {
	Verify(ctx context.Context, credential string) (Identity, error)
}

// NewVerifier builds the verifier matching the configured auth mode.
func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return InsecureVerifier{}, nil
	case config.AuthModeAPIKey:
		return NewAPIKeyVerifier(cfg.APIKey), nil
	case config.AuthModeJWT:
		return NewJWTVerifier([]byte(cfg.JWTSecret)), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// InsecureVerifier trusts the credential as a bare user ID. Dev only.
type InsecureVerifier struct{}

func (InsecureVerifier) Verify(_ context.Context, credential string) (Identity, error) {
	uid, err := strconv.ParseInt(strings.TrimSpace(credential), 10, 64)
	if err != nil || uid <= 0 {
		return Identity{}, ErrUnauthorized
	}
	return Identity{UserID: identity.UserID(uid)}, nil
}

// APIKeyVerifier accepts credentials of the form "<userID>:<key>" where key
// matches the shared service key. The comparison is constant time.
type APIKeyVerifier struct {
	key []byte
}

func NewAPIKeyVerifier(key string) APIKeyVerifier {
	return APIKeyVerifier{key: []byte(key)}
}

func (v APIKeyVerifier) Verify(_ context.Context, credential string) (Identity, error) {
	idPart, keyPart, ok := strings.Cut(credential, ":")
	if !ok {
		return Identity{}, ErrUnauthorized
	}
	uid, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || uid <= 0 {
		return Identity{}, ErrUnauthorized
	}
	if len(v.key) == 0 {
		return Identity{}, ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(keyPart), v.key) != 1 {
		return Identity{}, ErrUnauthorized
	}
	return Identity{UserID: identity.UserID(uid)}, nil
}
