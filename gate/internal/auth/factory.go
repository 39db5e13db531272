package auth

import (
	"fmt"

	"github.com/amurg-ai/rolegate/gate/internal/config"
)

// NewProvider creates the Provider selected by configuration.
func NewProvider(cfg config.AuthConfig) (Provider, error) {
	switch cfg.Provider {
	case "", "none":
		return NewNoneProvider(cfg.AdminToken), nil
	case "hmac":
		return NewHMACProvider(cfg.JWTSecret, cfg.AdminToken), nil
	case "jwks":
		p, err := NewJWKSProvider(cfg.JWKSIssuer, cfg.AdminToken)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown auth provider: %q", cfg.Provider)
	}
}
