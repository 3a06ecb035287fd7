package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alwaysEnabled(ctx context.Context, agentID int64) (bool, bool, error) {
	return true, true, nil
}

func TestIssueAndVerifyToken_RoundTrip(t *testing.T) {
	v := New("super-secret", time.Hour, alwaysEnabled)

	token, err := v.IssueToken(9, "agent")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	agentID, err := v.VerifyAgentToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, int64(9), agentID)
}

func TestVerifyAgentToken_RejectsEmptyToken(t *testing.T) {
	v := New("super-secret", time.Hour, alwaysEnabled)
	_, err := v.VerifyAgentToken(context.Background(), "")
	assert.Error(t, err)
}

func TestVerifyAgentToken_RejectsTamperedSignature(t *testing.T) {
	v := New("super-secret", time.Hour, alwaysEnabled)
	token, err := v.IssueToken(9, "agent")
	require.NoError(t, err)

	other := New("different-secret", time.Hour, alwaysEnabled)
	_, err = other.VerifyAgentToken(context.Background(), token)
	assert.Error(t, err)
}

func TestVerifyAgentToken_RejectsExpiredToken(t *testing.T) {
	v := New("super-secret", -time.Minute, alwaysEnabled)
	token, err := v.IssueToken(9, "agent")
	require.NoError(t, err)

	_, err = v.VerifyAgentToken(context.Background(), token)
	assert.Error(t, err)
}

func TestVerifyAgentToken_RejectsNoneAlgorithm(t *testing.T) {
	v := New("super-secret", time.Hour, alwaysEnabled)

	claims := Claims{
		AgentID: 9,
		Role:    "agent",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	forged, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.VerifyAgentToken(context.Background(), forged)
	assert.Error(t, err)
}

func TestVerifyAgentToken_RejectsDisabledAgent(t *testing.T) {
	lookup := func(ctx context.Context, agentID int64) (bool, bool, error) {
		return false, true, nil
	}
	v := New("super-secret", time.Hour, lookup)
	token, err := v.IssueToken(9, "agent")
	require.NoError(t, err)

	_, err = v.VerifyAgentToken(context.Background(), token)
	assert.Error(t, err)
}

func TestVerifyAgentToken_RejectsUnknownAgent(t *testing.T) {
	lookup := func(ctx context.Context, agentID int64) (bool, bool, error) {
		return false, false, nil
	}
	v := New("super-secret", time.Hour, lookup)
	token, err := v.IssueToken(9, "agent")
	require.NoError(t, err)

	_, err = v.VerifyAgentToken(context.Background(), token)
	assert.Error(t, err)
}

func TestHashAndCompareCredential(t *testing.T) {
	hash, err := HashCredential("correct horse battery staple")
	require.NoError(t, err)
	assert.NotEmpty(t, hash)
	assert.NotEqual(t, "correct horse battery staple", hash)

	assert.True(t, CompareCredential(hash, "correct horse battery staple"))
	assert.False(t, CompareCredential(hash, "wrong password"))
}
