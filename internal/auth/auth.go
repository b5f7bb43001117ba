// Package auth validates the opaque session tokens clients attach to their
// first envelope (or to the upgrade request). The gateway never issues
// tokens; identity and session issuance live in an external system.
package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized is returned for tokens the provider rejects.
var ErrUnauthorized = errors.New("unauthorized")

// Identity is the authenticated identity behind a connection.
type Identity struct {
	Subject string // stable identifier from the identity system
	Name    string // human-readable, best effort
}

// Validator validates session tokens and returns identities.
type Validator interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Name() string
}
