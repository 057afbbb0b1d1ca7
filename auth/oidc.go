package auth

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/parley-chat/parley/config"
	"github.com/parley-chat/parley/globals"
)

// OIDCVerifier verifies ID tokens against a configured OpenID Connect
// provider. The user id is taken from the "email" claim, which must be unique
// across the user base.
type OIDCVerifier struct {
	cfg config.OIDCConfig

	mu       sync.Mutex
	verifier *oidc.IDTokenVerifier
}

func NewOIDCVerifier(cfg config.OIDCConfig) (*OIDCVerifier, error) {
	if cfg.ProviderUrl == "" {
		return nil, fmt.Errorf("no oidc provider url configured")
	}
	return &OIDCVerifier{cfg: cfg}, nil
}

// tokenVerifier lazily performs provider discovery; the result is cached so
// every authenticate event does not re-run discovery.
func (v *OIDCVerifier) tokenVerifier(ctx context.Context) (*oidc.IDTokenVerifier, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.verifier != nil {
		return v.verifier, nil
	}
	provider, err := oidc.NewProvider(ctx, v.cfg.ProviderUrl)
	if err != nil {
		return nil, err
	}
	conf := oidc.Config{}
	if v.cfg.ClientId == "" {
		conf.SkipClientIDCheck = true
	} else {
		conf.ClientID = v.cfg.ClientId
	}
	v.verifier = provider.Verifier(&conf)
	return v.verifier, nil
}

func (v *OIDCVerifier) Verify(ctx context.Context, idToken string) (string, error) {
	verifier, err := v.tokenVerifier(ctx)
	if err != nil {
		globals.AppLogger.Error("oidc discovery failed", "error", err)
		return "", fmt.Errorf("%w: %v", ErrVerification, err)
	}
	verifiedIdToken, err := verifier.Verify(ctx, idToken)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrVerification, err)
	}
	claims := struct {
		Email string `json:"email"`
	}{}
	err = verifiedIdToken.Claims(&claims)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrVerification, err)
	}
	if claims.Email == "" {
		return "", fmt.Errorf("%w: empty e-mail claim", ErrVerification)
	}
	return claims.Email, nil
}
