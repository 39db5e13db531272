package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// JWKSProvider validates tokens from an external issuer using its JWKS.
type JWKSProvider struct {
	issuer string
	jwks   keyfunc.Keyfunc
	admin  adminToken
	cancel context.CancelFunc
}

// NewJWKSProvider fetches the issuer's JWKS and keeps it refreshed until Close.
func NewJWKSProvider(issuer, adminTok string) (*JWKSProvider, error) {
	if issuer == "" {
		return nil, fmt.Errorf("jwks issuer URL is required")
	}
	issuer = strings.TrimRight(issuer, "/")

	ctx, cancel := context.WithCancel(context.Background())
	jwksURL := issuer + "/.well-known/jwks.json"
	jwks, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}

	p := newJWKSProvider(issuer, jwks, adminTok)
	p.cancel = cancel
	return p, nil
}

func newJWKSProvider(issuer string, jwks keyfunc.Keyfunc, adminTok string) *JWKSProvider {
	return &JWKSProvider{issuer: issuer, jwks: jwks, admin: adminToken(adminTok)}
}

// ValidateToken implements Provider.
func (p *JWKSProvider) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	if p.admin.match(tokenStr) {
		return &Identity{Role: RoleAdmin}, nil
	}

	token, err := jwt.Parse(tokenStr, p.jwks.KeyfuncCtx(ctx),
		jwt.WithIssuer(p.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	sub := claimStr(claims, "sub")
	if sub == "" {
		return nil, ErrUnauthorized
	}

	role := RoleUser
	if claimStr(claims, "role") == RoleAdmin || claimStr(claims, "org_role") == "org:admin" {
		role = RoleAdmin
	}
	return &Identity{Subject: sub, Role: role}, nil
}

func claimStr(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}

// Name implements Provider.
func (p *JWKSProvider) Name() string { return "jwks" }

// Close stops the background JWKS refresh.
func (p *JWKSProvider) Close() error {
	if p.cancel != nil {
		p.cancel()
	}
	return nil
}
