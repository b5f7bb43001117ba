package auth

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
)

// JWTValidator validates HMAC-signed JWTs with a shared secret.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator creates a validator for HS256 session tokens.
func NewJWTValidator(secret string) *JWTValidator {
	return &JWTValidator{secret: []byte(secret)}
}

// ValidateToken parses and verifies a session JWT and returns its identity.
func (v *JWTValidator) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrUnauthorized
		}
		return v.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, ErrUnauthorized
	}

	name := sub
	if n, _ := claims["name"].(string); n != "" {
		name = n
	}

	return &Identity{Subject: sub, Name: name}, nil
}

// Name returns the provider name.
func (v *JWTValidator) Name() string { return "jwt" }
