// ABOUTME: JWT token verification binding a bearer token to a tenant and user
// ABOUTME: Uses HS256 signing with the configured secret

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLength is the shortest HS256 secret accepted.
const MinSecretLength = 32

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrShortSecret  = fmt.Errorf("jwt secret must be at least %d bytes", MinSecretLength)
)

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (Identity, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs.
// The "sub" claim carries the user and the "tenant" claim the tenant.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

// NewJWTVerifier creates a verifier for secret.
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrShortSecret
	}
	return &JWTVerifier{secret: secret, now: time.Now}, nil
}

// Verify validates the token and extracts the identity from its claims.
func (v *JWTVerifier) Verify(tokenString string) (Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Identity{}, ErrInvalidToken
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Identity{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	tenant, _ := claims["tenant"].(string)
	if tenant == "" {
		return Identity{}, fmt.Errorf("%w: tenant", ErrMissingClaim)
	}

	return Identity{TenantID: tenant, UserID: sub}, nil
}

// Generate signs a token for id that expires after expiresIn.
func (v *JWTVerifier) Generate(id Identity, expiresIn time.Duration) (string, error) {
	now := v.now()
	claims := jwt.MapClaims{
		"sub":    id.UserID,
		"tenant": id.TenantID,
		"iat":    now.Unix(),
		"exp":    now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
