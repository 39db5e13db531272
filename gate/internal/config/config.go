// Package config handles gate configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level gate configuration.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Auth       AuthConfig       `json:"auth"`
	Storage    StorageConfig    `json:"storage"`
	Payment    PaymentConfig    `json:"payment"`
	Invoice    InvoiceConfig    `json:"invoice"`
	Reconciler ReconcilerConfig `json:"reconciler"`
	Telegram   TelegramConfig   `json:"telegram"`
	Accounts   AccountsConfig   `json:"accounts"`
	Networks   []NetworkConfig  `json:"networks,omitempty"`
	Logging    LoggingConfig    `json:"logging"`
	RateLimit  RateLimitConfig  `json:"rate_limit,omitempty"`
	Cache      CacheConfig      `json:"cache,omitempty"`
}

// ServerConfig defines the listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"` // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	PublicURL      string   `json:"public_url,omitempty"`      // base URL used in payment resource URIs
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS origins; default ["http://localhost:3000"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // default 1MB
}

// AuthConfig selects how bearer tokens on payer endpoints are validated.
type AuthConfig struct {
	Provider   string `json:"provider,omitempty"` // "none" (default), "hmac" or "jwks"
	JWTSecret  string `json:"jwt_secret,omitempty"`
	JWKSIssuer string `json:"jwks_issuer,omitempty"` // e.g. "https://auth.example.com"
	AdminToken string `json:"admin_token,omitempty"` // static bearer for admin endpoints
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver         string   `json:"driver"` // "sqlite" (default) or "postgres"
	DSN            string   `json:"dsn"`
	AuditRetention Duration `json:"audit_retention,omitempty"`
}

// PaymentConfig points at the x402 facilitator.
type PaymentConfig struct {
	FacilitatorURL    string   `json:"facilitator_url"`
	FacilitatorAPIKey string   `json:"facilitator_api_key,omitempty"`
	Timeout           Duration `json:"timeout,omitempty"` // bounds verify+settle; default 60s
}

// InvoiceConfig defines deferred-payment token behavior.
type InvoiceConfig struct {
	TTL        Duration `json:"ttl,omitempty"`         // validity of a first issuance
	RenewalTTL Duration `json:"renewal_ttl,omitempty"` // validity after overwriting a prior invoice
	Network    string   `json:"network,omitempty"`     // network whose wallet is created for new payers
}

// ReconcilerConfig defines the expiry sweep.
type ReconcilerConfig struct {
	Interval      Duration `json:"interval,omitempty"`       // default 60s
	RevokeTimeout Duration `json:"revoke_timeout,omitempty"` // per-grant bound; default 10s
}

// TelegramConfig configures the chat platform membership provider.
// An empty BotToken selects the dry-run provider.
type TelegramConfig struct {
	BotToken    string `json:"bot_token,omitempty"`
	APIEndpoint string `json:"api_endpoint,omitempty"`
}

// AccountsConfig configures payer wallets.
type AccountsConfig struct {
	KeySecret string `json:"key_secret"` // seals wallet private keys at rest
}

// NetworkConfig defines a settlement network and its asset.
type NetworkConfig struct {
	ID      string      `json:"id"`
	Name    string      `json:"name"` // x402 network name, e.g. "base-sepolia"
	ChainID int64       `json:"chain_id"`
	RPCURL  string      `json:"rpc_url,omitempty"`
	Asset   AssetConfig `json:"asset"`
}

// AssetConfig defines the settlement token on a network.
type AssetConfig struct {
	Address       string `json:"address"`
	Decimals      int    `json:"decimals"`
	EIP712Name    string `json:"eip712_name"`
	EIP712Version string `json:"eip712_version"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// CacheConfig bounds the server catalog cache.
type CacheConfig struct {
	Servers   int      `json:"servers,omitempty"`    // entries; default 256
	ServerTTL Duration `json:"server_ttl,omitempty"` // default 1m
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Payment.FacilitatorURL == "" {
		return fmt.Errorf("payment.facilitator_url is required")
	}
	if len(c.Accounts.KeySecret) < 32 {
		return fmt.Errorf("accounts.key_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Accounts.KeySecret] || knownWeakSecrets[c.Auth.JWTSecret] || knownWeakSecrets[c.Auth.AdminToken] {
		return fmt.Errorf("a configured secret is a well-known weak secret; generate a new one")
	}
	switch c.Auth.Provider {
	case "", "none":
	case "hmac":
		if len(c.Auth.JWTSecret) < 32 {
			return fmt.Errorf("auth.jwt_secret must be at least 32 characters when provider is hmac")
		}
	case "jwks":
		if c.Auth.JWKSIssuer == "" {
			return fmt.Errorf("auth.jwks_issuer is required when provider is jwks")
		}
	default:
		return fmt.Errorf("unknown auth provider: %q", c.Auth.Provider)
	}
	seen := make(map[string]bool, len(c.Networks))
	for i, n := range c.Networks {
		if n.ID == "" || n.Name == "" {
			return fmt.Errorf("networks[%d]: id and name are required", i)
		}
		if seen[n.ID] {
			return fmt.Errorf("networks[%d]: duplicate id %q", i, n.ID)
		}
		seen[n.ID] = true
		if n.Asset.Address == "" || n.Asset.Decimals <= 0 {
			return fmt.Errorf("networks[%d]: asset address and decimals are required", i)
		}
	}
	return nil
}

// ApplyDefaults fills zero values with production defaults.
func (c *Config) ApplyDefaults() {
	if c.Auth.Provider == "" {
		c.Auth.Provider = "none"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "rolegate.db"
	}
	if c.Storage.AuditRetention.Duration == 0 {
		c.Storage.AuditRetention.Duration = 30 * 24 * time.Hour // 30 days
	}
	if c.Payment.Timeout.Duration == 0 {
		c.Payment.Timeout.Duration = 60 * time.Second
	}
	if c.Invoice.TTL.Duration == 0 {
		c.Invoice.TTL.Duration = 5 * time.Minute
	}
	if c.Invoice.RenewalTTL.Duration == 0 {
		c.Invoice.RenewalTTL.Duration = c.Invoice.TTL.Duration
	}
	if c.Invoice.Network == "" {
		c.Invoice.Network = "base-sepolia"
	}
	if c.Reconciler.Interval.Duration == 0 {
		c.Reconciler.Interval.Duration = 60 * time.Second
	}
	if c.Reconciler.RevokeTimeout.Duration == 0 {
		c.Reconciler.RevokeTimeout.Duration = 10 * time.Second
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"http://localhost:3000"}
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Cache.Servers == 0 {
		c.Cache.Servers = 256
	}
	if c.Cache.ServerTTL.Duration == 0 {
		c.Cache.ServerTTL.Duration = time.Minute
	}
	if len(c.Networks) == 0 {
		c.Networks = DefaultNetworks()
	}
}

// DefaultNetworks returns the USDC deployments on Base mainnet and Base Sepolia.
func DefaultNetworks() []NetworkConfig {
	return []NetworkConfig{
		{
			ID:      "base",
			Name:    "base",
			ChainID: 8453,
			RPCURL:  "https://mainnet.base.org",
			Asset: AssetConfig{
				Address:       "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
				Decimals:      6,
				EIP712Name:    "USD Coin",
				EIP712Version: "2",
			},
		},
		{
			ID:      "base-sepolia",
			Name:    "base-sepolia",
			ChainID: 84532,
			RPCURL:  "https://sepolia.base.org",
			Asset: AssetConfig{
				Address:       "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
				Decimals:      6,
				EIP712Name:    "USDC",
				EIP712Version: "2",
			},
		},
	}
}
