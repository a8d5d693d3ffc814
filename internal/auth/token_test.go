// ABOUTME: Unit tests for JWT token verification and generation
// ABOUTME: Tests valid tokens, invalid tokens, expiry and missing claims

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret-key-for-jwt-signing!")

func TestNewJWTVerifier_ShortSecret(t *testing.T) {
	if _, err := NewJWTVerifier([]byte("short")); !errors.Is(err, ErrShortSecret) {
		t.Errorf("NewJWTVerifier() error = %v, want ErrShortSecret", err)
	}
}

func TestJWTVerifier_ValidToken(t *testing.T) {
	verifier, err := NewJWTVerifier(testSecret)
	if err != nil {
		t.Fatalf("NewJWTVerifier() error = %v", err)
	}

	want := Identity{TenantID: "acme", UserID: "alice"}
	token, err := verifier.Generate(want, time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	got, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if got != want {
		t.Errorf("Verify() = %+v, want %+v", got, want)
	}
}

func TestJWTVerifier_InvalidToken(t *testing.T) {
	verifier, _ := NewJWTVerifier(testSecret)
	other, _ := NewJWTVerifier([]byte("another-secret-that-is-32-bytes!"))
	foreign, _ := other.Generate(Identity{TenantID: "acme", UserID: "alice"}, time.Hour)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty token", token: ""},
		{name: "garbage token", token: "not-a-jwt-token"},
		{name: "malformed JWT", token: "header.payload.signature"},
		{name: "wrong secret", token: foreign},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(tt.token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	verifier, _ := NewJWTVerifier(testSecret)
	verifier.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, err := verifier.Generate(Identity{TenantID: "acme", UserID: "alice"}, time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	verifier.now = time.Now
	if _, err := verifier.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestJWTVerifier_MissingClaims(t *testing.T) {
	verifier, _ := NewJWTVerifier(testSecret)

	tests := []struct {
		name   string
		claims jwt.MapClaims
	}{
		{name: "no sub", claims: jwt.MapClaims{"tenant": "acme"}},
		{name: "no tenant", claims: jwt.MapClaims{"sub": "alice"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.claims["exp"] = time.Now().Add(time.Hour).Unix()
			token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, tt.claims).SignedString(testSecret)
			if err != nil {
				t.Fatalf("SignedString() error = %v", err)
			}
			if _, err := verifier.Verify(token); !errors.Is(err, ErrMissingClaim) {
				t.Errorf("Verify() error = %v, want ErrMissingClaim", err)
			}
		})
	}
}
