// ABOUTME: Signs and checks the HS256 tokens that identify chat clients and API callers
// ABOUTME: Tokens carry the principal as sub and are issued by coven-sessions only

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// MinSecretLength is the shortest accepted signing secret.
	MinSecretLength = 32

	// TokenIssuer is the iss claim of every token this server mints and accepts.
	TokenIssuer = "coven-sessions"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrWeakSecret   = errors.New("jwt secret too short")
)

// sessionClaims is the token payload. Only registered claims are used.
type sessionClaims struct {
	jwt.RegisteredClaims
}

// JWTVerifier mints and checks principal tokens with one shared secret.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrWeakSecret, MinSecretLength, len(secret))
	}
	return &JWTVerifier{
		secret: secret,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(TokenIssuer),
			jwt.WithExpirationRequired(),
		),
	}, nil
}

// Verify returns the principal a token was minted for.
func (v *JWTVerifier) Verify(tokenString string) (string, error) {
	var claims sessionClaims
	_, err := v.parser.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", ErrExpiredToken
	case err != nil:
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	case claims.Subject == "":
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return claims.Subject, nil
}

// Generate mints a token for principalID that expires after ttl.
func (v *JWTVerifier) Generate(principalID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := sessionClaims{jwt.RegisteredClaims{
		Issuer:    TokenIssuer,
		Subject:   principalID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
