package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestVerifyValidToken(t *testing.T) {
	v := NewJWTVerifier("sharedsecret")
	token := signToken(t, "sharedsecret", Claims{
		UserId: "u1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	userId, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "u1", userId)
}

func TestVerifyWrongSecret(t *testing.T) {
	v := NewJWTVerifier("sharedsecret")
	token := signToken(t, "othersecret", Claims{UserId: "u1"})

	_, err := v.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrVerification)
}

func TestVerifyExpiredToken(t *testing.T) {
	v := NewJWTVerifier("sharedsecret")
	token := signToken(t, "sharedsecret", Claims{
		UserId: "u1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})

	_, err := v.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrVerification)
}

func TestVerifyMissingUserIdClaim(t *testing.T) {
	v := NewJWTVerifier("sharedsecret")
	token := signToken(t, "sharedsecret", Claims{})

	_, err := v.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrVerification)
}

func TestVerifyGarbage(t *testing.T) {
	v := NewJWTVerifier("sharedsecret")
	_, err := v.Verify(context.Background(), "not.a.token")
	assert.ErrorIs(t, err, ErrVerification)
}

func TestVerifyRejectsUnsignedAlgorithm(t *testing.T) {
	v := NewJWTVerifier("sharedsecret")
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserId: "u1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrVerification)
}
