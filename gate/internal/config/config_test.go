package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testKeySecret = "wallet-sealing-secret-at-least-32-chars"

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	configJSON := `{
		"server": {
			"addr": ":8080",
			"public_url": "https://gate.example.com",
			"allowed_origins": ["https://app.example.com"]
		},
		"auth": {
			"provider": "hmac",
			"jwt_secret": "my-super-secret-jwt-key-at-least-32"
		},
		"storage": {
			"driver": "postgres",
			"dsn": "postgres://localhost/rolegate",
			"audit_retention": "72h"
		},
		"payment": {
			"facilitator_url": "https://facilitator.example.com",
			"facilitator_api_key": "fac-key",
			"timeout": 30
		},
		"invoice": {
			"ttl": "5m",
			"renewal_ttl": "1m",
			"network": "base"
		},
		"reconciler": {
			"interval": "2m",
			"revoke_timeout": "5s"
		},
		"telegram": {"bot_token": "123:abc"},
		"accounts": {"key_secret": "` + testKeySecret + `"},
		"networks": [
			{
				"id": "net-1",
				"name": "base-sepolia",
				"chain_id": 84532,
				"rpc_url": "http://localhost:8545",
				"asset": {"address": "0xabc", "decimals": 6, "eip712_name": "USDC", "eip712_version": "2"}
			}
		],
		"logging": {"level": "debug", "format": "text"},
		"rate_limit": {"requests_per_second": 20, "burst": 40}
	}`

	path := writeTempConfig(t, configJSON)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.PublicURL != "https://gate.example.com" {
		t.Errorf("Server.PublicURL: got %q", cfg.Server.PublicURL)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "https://app.example.com" {
		t.Errorf("Server.AllowedOrigins: got %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Auth.Provider != "hmac" {
		t.Errorf("Auth.Provider: got %q, want hmac", cfg.Auth.Provider)
	}
	if cfg.Storage.Driver != "postgres" {
		t.Errorf("Storage.Driver: got %q, want postgres", cfg.Storage.Driver)
	}
	if cfg.Storage.AuditRetention.Duration != 72*time.Hour {
		t.Errorf("Storage.AuditRetention: got %v, want 72h", cfg.Storage.AuditRetention.Duration)
	}
	if cfg.Payment.Timeout.Duration != 30*time.Second {
		t.Errorf("Payment.Timeout: got %v, want 30s", cfg.Payment.Timeout.Duration)
	}
	if cfg.Invoice.RenewalTTL.Duration != time.Minute {
		t.Errorf("Invoice.RenewalTTL: got %v, want 1m", cfg.Invoice.RenewalTTL.Duration)
	}
	if cfg.Invoice.Network != "base" {
		t.Errorf("Invoice.Network: got %q", cfg.Invoice.Network)
	}
	if cfg.Reconciler.Interval.Duration != 2*time.Minute {
		t.Errorf("Reconciler.Interval: got %v, want 2m", cfg.Reconciler.Interval.Duration)
	}
	if cfg.Reconciler.RevokeTimeout.Duration != 5*time.Second {
		t.Errorf("Reconciler.RevokeTimeout: got %v, want 5s", cfg.Reconciler.RevokeTimeout.Duration)
	}
	if len(cfg.Networks) != 1 {
		t.Fatalf("Networks: got %d, want 1", len(cfg.Networks))
	}
	if cfg.Networks[0].Asset.Decimals != 6 || cfg.Networks[0].ChainID != 84532 {
		t.Errorf("Networks[0]: got %+v", cfg.Networks[0])
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format: got %q, want text", cfg.Logging.Format)
	}
	if cfg.RateLimit.Burst != 40 {
		t.Errorf("RateLimit.Burst: got %d, want 40", cfg.RateLimit.Burst)
	}
}

func TestValidateRequired(t *testing.T) {
	cases := map[string]string{
		"missing addr": `{
			"payment": {"facilitator_url": "http://f"},
			"accounts": {"key_secret": "` + testKeySecret + `"}
		}`,
		"missing facilitator": `{
			"server": {"addr": ":8080"},
			"accounts": {"key_secret": "` + testKeySecret + `"}
		}`,
		"short key secret": `{
			"server": {"addr": ":8080"},
			"payment": {"facilitator_url": "http://f"},
			"accounts": {"key_secret": "short"}
		}`,
		"hmac without secret": `{
			"server": {"addr": ":8080"},
			"payment": {"facilitator_url": "http://f"},
			"accounts": {"key_secret": "` + testKeySecret + `"},
			"auth": {"provider": "hmac"}
		}`,
		"jwks without issuer": `{
			"server": {"addr": ":8080"},
			"payment": {"facilitator_url": "http://f"},
			"accounts": {"key_secret": "` + testKeySecret + `"},
			"auth": {"provider": "jwks"}
		}`,
		"unknown provider": `{
			"server": {"addr": ":8080"},
			"payment": {"facilitator_url": "http://f"},
			"accounts": {"key_secret": "` + testKeySecret + `"},
			"auth": {"provider": "cookie"}
		}`,
		"duplicate network": `{
			"server": {"addr": ":8080"},
			"payment": {"facilitator_url": "http://f"},
			"accounts": {"key_secret": "` + testKeySecret + `"},
			"networks": [
				{"id": "a", "name": "base", "asset": {"address": "0x1", "decimals": 6}},
				{"id": "a", "name": "base", "asset": {"address": "0x1", "decimals": 6}}
			]
		}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeTempConfig(t, body)); err == nil {
				t.Fatal("expected validation error, got nil")
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	minimal := `{
		"server": {"addr": ":8080"},
		"payment": {"facilitator_url": "https://facilitator.example.com"},
		"accounts": {"key_secret": "` + testKeySecret + `"}
	}`

	cfg, err := Load(writeTempConfig(t, minimal))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Auth.Provider != "none" {
		t.Errorf("default Auth.Provider: got %q, want none", cfg.Auth.Provider)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DSN != "rolegate.db" {
		t.Errorf("default Storage: got %+v", cfg.Storage)
	}
	if cfg.Payment.Timeout.Duration != 60*time.Second {
		t.Errorf("default Payment.Timeout: got %v, want 60s", cfg.Payment.Timeout.Duration)
	}
	if cfg.Invoice.TTL.Duration != 5*time.Minute {
		t.Errorf("default Invoice.TTL: got %v, want 5m", cfg.Invoice.TTL.Duration)
	}
	if cfg.Invoice.RenewalTTL.Duration != cfg.Invoice.TTL.Duration {
		t.Errorf("default Invoice.RenewalTTL: got %v, want same as TTL", cfg.Invoice.RenewalTTL.Duration)
	}
	if cfg.Invoice.Network != "base-sepolia" {
		t.Errorf("default Invoice.Network: got %q", cfg.Invoice.Network)
	}
	if cfg.Reconciler.Interval.Duration != 60*time.Second {
		t.Errorf("default Reconciler.Interval: got %v, want 60s", cfg.Reconciler.Interval.Duration)
	}
	if cfg.Reconciler.RevokeTimeout.Duration != 10*time.Second {
		t.Errorf("default Reconciler.RevokeTimeout: got %v, want 10s", cfg.Reconciler.RevokeTimeout.Duration)
	}
	if len(cfg.Networks) != 2 {
		t.Errorf("default Networks: got %d, want 2", len(cfg.Networks))
	}
	if cfg.Server.MaxBodyBytes != 1024*1024 {
		t.Errorf("default Server.MaxBodyBytes: got %d", cfg.Server.MaxBodyBytes)
	}
	if cfg.Cache.Servers != 256 {
		t.Errorf("default Cache.Servers: got %d", cfg.Cache.Servers)
	}
}

func TestDurationUnmarshal(t *testing.T) {
	var d Duration
	if err := d.UnmarshalJSON([]byte(`"90s"`)); err != nil || d.Duration != 90*time.Second {
		t.Errorf("string form: got %v, %v", d.Duration, err)
	}
	if err := d.UnmarshalJSON([]byte(`120`)); err != nil || d.Duration != 2*time.Minute {
		t.Errorf("numeric form: got %v, %v", d.Duration, err)
	}
	if err := d.UnmarshalJSON([]byte(`true`)); err == nil {
		t.Error("expected error for bool")
	}
}
