package auth

import (
	"context"
	"crypto/subtle"

	"github.com/symphainy/gateway/internal/config"
)

// StaticValidator accepts a fixed token list from configuration. Intended for
// development and tests, where no identity system is running.
type StaticValidator struct {
	entries []config.StaticTokenEntry
}

// NewStaticValidator creates a validator over the configured token entries.
func NewStaticValidator(entries []config.StaticTokenEntry) *StaticValidator {
	return &StaticValidator{entries: entries}
}

// ValidateToken compares the token against the configured entries.
func (v *StaticValidator) ValidateToken(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	for _, e := range v.entries {
		if subtle.ConstantTimeCompare([]byte(e.Token), []byte(token)) == 1 {
			name := e.Name
			if name == "" {
				name = e.Subject
			}
			return &Identity{Subject: e.Subject, Name: name}, nil
		}
	}
	return nil, ErrUnauthorized
}

// Name returns the provider name.
func (v *StaticValidator) Name() string { return "static" }
