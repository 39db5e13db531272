package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims are the claims of a gate-issued token. The subject is the payer id.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// HMACProvider validates HS256 tokens signed with a shared secret, typically
// minted by the bot or the web frontend.
type HMACProvider struct {
	secret []byte
	admin  adminToken
}

// NewHMACProvider creates an HMACProvider.
func NewHMACProvider(secret, adminTok string) *HMACProvider {
	return &HMACProvider{secret: []byte(secret), admin: adminToken(adminTok)}
}

// Issue mints a token for subject valid for ttl.
func (p *HMACProvider) Issue(subject, role string, ttl time.Duration) (string, error) {
	if role == "" {
		role = RoleUser
	}
	now := time.Now()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
}

// ValidateToken implements Provider.
func (p *HMACProvider) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	if p.admin.match(tokenStr) {
		return &Identity{Role: RoleAdmin}, nil
	}

	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return p.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrUnauthorized
	}

	role := RoleUser
	if claims.Role == RoleAdmin {
		role = RoleAdmin
	}
	return &Identity{Subject: claims.Subject, Role: role}, nil
}

// Name implements Provider.
func (p *HMACProvider) Name() string { return "hmac" }
