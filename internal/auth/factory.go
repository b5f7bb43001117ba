package auth

import (
	"fmt"

	"github.com/symphainy/gateway/internal/config"
)

// NewValidator creates a session Validator based on configuration.
func NewValidator(cfg config.AuthConfig) (Validator, error) {
	switch cfg.Provider {
	case "jwt", "":
		return NewJWTValidator(cfg.JWTSecret), nil
	case "jwks":
		return NewJWKSValidator(cfg.Issuer)
	case "static":
		return NewStaticValidator(cfg.StaticTokens), nil
	default:
		return nil, fmt.Errorf("unknown auth provider: %q", cfg.Provider)
	}
}
