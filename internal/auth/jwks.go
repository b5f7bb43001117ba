package auth

import (
	"context"
	"fmt"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// JWKSValidator validates JWTs signed by an external issuer using its
// published JWKS. The key set is fetched and refreshed in the background.
type JWKSValidator struct {
	issuer string
	jwks   keyfunc.Keyfunc
}

// NewJWKSValidator creates a validator that fetches keys from
// <issuer>/.well-known/jwks.json.
func NewJWKSValidator(issuer string) (*JWKSValidator, error) {
	if issuer == "" {
		return nil, fmt.Errorf("issuer URL is required")
	}

	jwksURL := issuer + "/.well-known/jwks.json"
	jwks, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}

	return &JWKSValidator{issuer: issuer, jwks: jwks}, nil
}

// ValidateToken parses a JWT against the issuer's key set.
func (v *JWKSValidator) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	token, err := jwt.Parse(tokenStr, v.jwks.KeyfuncCtx(ctx),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
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
	switch {
	case claimStr(claims, "name") != "":
		name = claimStr(claims, "name")
	case claimStr(claims, "email") != "":
		name = claimStr(claims, "email")
	}

	return &Identity{Subject: sub, Name: name}, nil
}

// claimStr extracts a string claim or returns "".
func claimStr(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}

// Name returns the provider name.
func (v *JWKSValidator) Name() string { return "jwks" }
