// Package auth implements the Auth verifier (spec.md §4.7): verifies agent
// bearer tokens via shared-secret signature plus an allowlist (agent exists
// and is enabled) check, returning an agent id or a failure; individual
// tokens cannot be revoked — grounded on the
// teacher's internal/auth/jwt.go (Claims/JWTManager signing shape) and
// internal/middleware/agent_auth.go (the allowlist-check half).
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	apperrors "github.com/chatdispatch/dispatcher/internal/errors"
)

// Claims is the JWT payload issued for an agent session.
type Claims struct {
	AgentID int64  `json:"agent_id"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// LookupFunc adapts any agent-record source (typically *store.Store) into
// the shape the verifier needs without creating an import cycle on models.
type LookupFunc func(ctx context.Context, agentID int64) (enabled bool, found bool, err error)

// Verifier is the Auth verifier. It is the only component in this core that
// also doubles as the token issuer (login lives in internal/admin; issuance
// is out of scope per spec.md §1 but the verifier owns signing so the two
// never drift on algorithm or secret).
type Verifier struct {
	secret []byte
	ttl    time.Duration
	lookup LookupFunc
}

func New(secret string, ttl time.Duration, lookup LookupFunc) *Verifier {
	return &Verifier{secret: []byte(secret), ttl: ttl, lookup: lookup}
}

// IssueToken signs a new HS256 bearer token for an agent.
func (v *Verifier) IssueToken(agentID int64, role string) (string, error) {
	now := time.Now()
	claims := Claims{
		AgentID: agentID,
		Role:    role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
			Issuer:    "chat-dispatcher",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// VerifyAgentToken parses and validates a bearer token, accepting only HMAC
// signing methods (rejecting e.g. "alg":"none" substitution),
// then re-checks the allowlist live so a disabled agent's still-valid token
// is rejected immediately rather than waiting for expiry.
func (v *Verifier) VerifyAgentToken(ctx context.Context, tokenString string) (int64, error) {
	if tokenString == "" {
		return 0, apperrors.Unauthorized("missing token")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return 0, apperrors.Unauthorized("invalid or expired token")
	}

	enabled, found, err := v.lookup(ctx, claims.AgentID)
	if err != nil {
		return 0, apperrors.ServiceUnavailable("agent directory")
	}
	if !found || !enabled {
		return 0, apperrors.Unauthorized("agent is disabled")
	}
	return claims.AgentID, nil
}

// HashCredential and CompareCredential wrap bcrypt for agent password
// storage, matching the teacher's credential-hash convention in
// internal/middleware/agent_auth.go.
func HashCredential(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash: %w", err)
	}
	return string(hash), nil
}

func CompareCredential(hash, plain string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}
