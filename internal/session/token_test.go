package session

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTokenSigner_Validation(t *testing.T) {
	_, err := NewTokenSigner("  ", time.Hour)
	assert.Error(t, err)

	_, err = NewTokenSigner("secret", 0)
	assert.Error(t, err)
}

func TestTokenSigner_IssueVerify(t *testing.T) {
	signer, err := NewTokenSigner("secret", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, signer.TTL())

	token, claims, err := signer.Issue("42", "alice")
	require.NoError(t, err)
	assert.Equal(t, "42", claims.Subject)
	assert.Equal(t, 3, len(strings.Split(token, ".")))

	got, err := signer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "42", got.Subject)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, tokenIssuer, got.Issuer)
}

func TestTokenSigner_DerivedKeyIsStable(t *testing.T) {
	a, err := NewTokenSigner("secret", time.Hour)
	require.NoError(t, err)
	b, err := NewTokenSigner("secret", time.Hour)
	require.NoError(t, err)

	token, _, err := a.Issue("1", "x")
	require.NoError(t, err)
	_, err = b.Verify(token)
	assert.NoError(t, err, "same secret derives the same key")
	assert.NotEqual(t, []byte("secret"), a.key)
}

func TestTokenSigner_RejectsOtherAlgorithms(t *testing.T) {
	signer, err := NewTokenSigner("secret", time.Hour)
	require.NoError(t, err)

	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   "1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = signer.Verify(unsigned)
	assert.Error(t, err)
}

func TestTokenSigner_RequiresExpiry(t *testing.T) {
	signer, err := NewTokenSigner("secret", time.Hour)
	require.NoError(t, err)

	claims := jwt.RegisteredClaims{Issuer: tokenIssuer, Subject: "1"}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signer.key)
	require.NoError(t, err)

	_, err = signer.Verify(token)
	assert.ErrorIs(t, err, jwt.ErrTokenRequiredClaimMissing)
}
