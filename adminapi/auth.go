package adminapi

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessClaims are the claims carried by an admin access token. Tokens
// are HMAC-signed with the hub's token secret; there is no user database
// behind them, the subject is purely informational for the audit trail.
type AccessClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// NewAccessToken mints an admin access token for subject, valid for ttl.
func NewAccessToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: "admin",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// validateAccessToken reports whether tokenString is a currently valid
// admin token.
func validateAccessToken(secret []byte, tokenString string) bool {
	if len(secret) == 0 {
		return false
	}
	token, err := jwt.ParseWithClaims(tokenString, &AccessClaims{}, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return false
	}
	claims, ok := token.Claims.(*AccessClaims)
	return ok && token.Valid && claims.Role == "admin"
}
