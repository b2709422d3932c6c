package relay

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	zychat_errors "zychat-core/pkg/errors"
)

// AccessClaims are the claims the relay requires from a bearer token.
// Token issuance belongs to the auth system; the relay only verifies.
type AccessClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// TokenVerifier validates HS256 bearer tokens.
type TokenVerifier struct {
	secret []byte
}

func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret)}
}

// Verify parses and validates a token, returning its claims.
func (v *TokenVerifier) Verify(tokenString string) (AccessClaims, error) {
	if tokenString == "" {
		return AccessClaims{}, zychat_errors.ErrUnauthorized
	}
	parsed, err := jwt.ParseWithClaims(tokenString, &AccessClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, zychat_errors.ErrUnauthorized
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return AccessClaims{}, zychat_errors.ErrUnauthorized
	}
	claims, ok := parsed.Claims.(*AccessClaims)
	if !ok || claims.UserID == "" {
		return AccessClaims{}, zychat_errors.ErrUnauthorized
	}
	return *claims, nil
}

// Sign issues a token for a user. Used by tooling and tests; production
// tokens come from the auth system sharing the same secret.
func (v *TokenVerifier) Sign(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := AccessClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
