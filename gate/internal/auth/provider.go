// Package auth validates bearer tokens on payer and admin endpoints.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
)

// ErrUnauthorized is returned for any token that does not validate.
var ErrUnauthorized = errors.New("unauthorized")

// Roles.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Identity is the caller behind a bearer token.
type Identity struct {
	Subject string // payer id, or "" when the provider does not bind one
	Role    string
}

// IsAdmin reports whether the identity may use admin endpoints.
func (i *Identity) IsAdmin() bool { return i != nil && i.Role == RoleAdmin }

// CanActFor reports whether the identity may act on behalf of payerID.
func (i *Identity) CanActFor(payerID string) bool {
	if i == nil {
		return false
	}
	return i.IsAdmin() || i.Subject == "" || i.Subject == payerID
}

// Provider validates bearer tokens and returns identities.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Name() string
}

// adminToken matches the static admin bearer, if one is configured.
type adminToken string

func (a adminToken) match(token string) bool {
	return a != "" && subtle.ConstantTimeCompare([]byte(a), []byte(token)) == 1
}

// NoneProvider accepts every request as an unbound user. Session checks are
// left to whatever fronts the gate. The static admin token still grants the
// admin role.
type NoneProvider struct {
	admin adminToken
}

// NewNoneProvider creates a NoneProvider.
func NewNoneProvider(adminTok string) *NoneProvider {
	return &NoneProvider{admin: adminToken(adminTok)}
}

// ValidateToken implements Provider.
func (p *NoneProvider) ValidateToken(ctx context.Context, token string) (*Identity, error) {
	if p.admin.match(token) {
		return &Identity{Role: RoleAdmin}, nil
	}
	return &Identity{Role: RoleUser}, nil
}

// Name implements Provider.
func (p *NoneProvider) Name() string { return "none" }
