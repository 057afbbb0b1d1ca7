package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/parley-chat/parley/config"
)

// ErrVerification covers every bad-credential case; callers do not learn why
// a token was rejected.
var ErrVerification = errors.New("token verification failed")

// Verifier is the identity resolver contract consumed by the hub: it turns an
// opaque credential into a verified user id or an error. The session stays
// connected (unauthenticated) on failure.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// NewVerifier selects the configured resolver. An OIDC provider takes
// precedence over the shared-secret JWT verifier.
func NewVerifier(cfg *config.Config) (Verifier, error) {
	if cfg.AuthConfig.OIDCConfig.ProviderUrl != "" {
		return NewOIDCVerifier(cfg.AuthConfig.OIDCConfig)
	}
	if cfg.AuthConfig.JWTSecret != "" {
		return NewJWTVerifier(cfg.AuthConfig.JWTSecret), nil
	}
	return nil, fmt.Errorf("no auth backend configured")
}
