package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/symphainy/gateway/internal/config"
)

const testSecret = "test-secret-at-least-32-chars-long!!"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestJWTValidator_Valid(t *testing.T) {
	v := NewJWTValidator(testSecret)
	tok := signToken(t, testSecret, jwt.MapClaims{
		"sub":  "user-1",
		"name": "Ada",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})

	id, err := v.ValidateToken(context.Background(), tok)
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if id.Subject != "user-1" {
		t.Errorf("expected subject user-1, got %q", id.Subject)
	}
	if id.Name != "Ada" {
		t.Errorf("expected name Ada, got %q", id.Name)
	}
}

func TestJWTValidator_Expired(t *testing.T) {
	v := NewJWTValidator(testSecret)
	tok := signToken(t, testSecret, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	if _, err := v.ValidateToken(context.Background(), tok); err != ErrUnauthorized {
		t.Errorf("expected ErrUnauthorized for expired token, got %v", err)
	}
}

func TestJWTValidator_WrongSecret(t *testing.T) {
	v := NewJWTValidator(testSecret)
	tok := signToken(t, "another-secret-that-is-also-32-chars", jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := v.ValidateToken(context.Background(), tok); err != ErrUnauthorized {
		t.Errorf("expected ErrUnauthorized for bad signature, got %v", err)
	}
}

func TestJWTValidator_MissingExpiry(t *testing.T) {
	v := NewJWTValidator(testSecret)
	tok := signToken(t, testSecret, jwt.MapClaims{"sub": "user-1"})
	if _, err := v.ValidateToken(context.Background(), tok); err != ErrUnauthorized {
		t.Errorf("expected ErrUnauthorized for token without exp, got %v", err)
	}
}

func TestJWTValidator_MissingSubject(t *testing.T) {
	v := NewJWTValidator(testSecret)
	tok := signToken(t, testSecret, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := v.ValidateToken(context.Background(), tok); err != ErrUnauthorized {
		t.Errorf("expected ErrUnauthorized for token without sub, got %v", err)
	}
}

func TestStaticValidator(t *testing.T) {
	v := NewStaticValidator([]config.StaticTokenEntry{
		{Token: "tok-1", Subject: "user-1", Name: "Ada"},
		{Token: "tok-2", Subject: "user-2"},
	})

	id, err := v.ValidateToken(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if id.Subject != "user-1" || id.Name != "Ada" {
		t.Errorf("unexpected identity %+v", id)
	}

	id, err = v.ValidateToken(context.Background(), "tok-2")
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if id.Name != "user-2" {
		t.Errorf("expected name to default to subject, got %q", id.Name)
	}

	if _, err := v.ValidateToken(context.Background(), "nope"); err != ErrUnauthorized {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := v.ValidateToken(context.Background(), ""); err != ErrUnauthorized {
		t.Errorf("expected ErrUnauthorized for empty token, got %v", err)
	}
}

func TestNewValidator(t *testing.T) {
	v, err := NewValidator(config.AuthConfig{Provider: "jwt", JWTSecret: testSecret})
	if err != nil {
		t.Fatalf("NewValidator(jwt) failed: %v", err)
	}
	if v.Name() != "jwt" {
		t.Errorf("expected jwt provider, got %q", v.Name())
	}

	if _, err := NewValidator(config.AuthConfig{Provider: "saml"}); err == nil {
		t.Error("expected error for unknown provider")
	}
}
