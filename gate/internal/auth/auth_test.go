package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/amurg-ai/rolegate/gate/internal/config"
)

const testSecret = "test-secret-at-least-32-chars-long"

func TestNoneProvider(t *testing.T) {
	p := NewNoneProvider("admin-token")
	ctx := context.Background()

	id, err := p.ValidateToken(ctx, "")
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if id.Role != RoleUser || !id.CanActFor("anyone") {
		t.Errorf("anonymous identity: got %+v", id)
	}

	id, err = p.ValidateToken(ctx, "admin-token")
	if err != nil || !id.IsAdmin() {
		t.Errorf("admin token: got %+v, %v", id, err)
	}

	// Without an admin token configured nothing is admin.
	id, _ = NewNoneProvider("").ValidateToken(ctx, "")
	if id.IsAdmin() {
		t.Error("empty token matched an unset admin token")
	}
}

func TestHMACIssueAndValidate(t *testing.T) {
	p := NewHMACProvider(testSecret, "")
	tok, err := p.Issue("42", "", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	id, err := p.ValidateToken(context.Background(), tok)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if id.Subject != "42" || id.Role != RoleUser {
		t.Errorf("identity: got %+v", id)
	}
	if !id.CanActFor("42") || id.CanActFor("43") {
		t.Error("CanActFor does not bind to the subject")
	}

	adminTok, _ := p.Issue("ops", RoleAdmin, time.Hour)
	id, err = p.ValidateToken(context.Background(), adminTok)
	if err != nil || !id.IsAdmin() || !id.CanActFor("43") {
		t.Errorf("admin identity: got %+v, %v", id, err)
	}
}

func TestHMACRejects(t *testing.T) {
	p := NewHMACProvider(testSecret, "")
	ctx := context.Background()

	expired, _ := p.Issue("42", "", -time.Minute)
	other, _ := NewHMACProvider("another-secret-at-least-32-chars!!", "").Issue("42", "", time.Hour)
	noSubject, _ := p.Issue("", "", time.Hour)

	for name, tok := range map[string]string{
		"expired":      expired,
		"wrong secret": other,
		"no subject":   noSubject,
		"garbage":      "not.a.jwt",
		"empty":        "",
	} {
		if _, err := p.ValidateToken(ctx, tok); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("%s: got %v, want ErrUnauthorized", name, err)
		}
	}
}

func TestHMACRejectsNoneAlgorithm(t *testing.T) {
	p := NewHMACProvider(testSecret, "")
	tok := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "42",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	s, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.ValidateToken(context.Background(), s); err == nil {
		t.Fatal("accepted an unsigned token")
	}
}

func newTestJWKS(t *testing.T) (*rsa.PrivateKey, keyfunc.Keyfunc) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	set := map[string]any{
		"keys": []map[string]string{{
			"kty": "RSA",
			"kid": "test",
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}},
	}
	raw, err := json.Marshal(set)
	if err != nil {
		t.Fatal(err)
	}
	kf, err := keyfunc.NewJWKSetJSON(raw)
	if err != nil {
		t.Fatalf("NewJWKSetJSON: %v", err)
	}
	return key, kf
}

func signRS256(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = "test"
	s, err := tok.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestJWKSProvider(t *testing.T) {
	key, kf := newTestJWKS(t)
	p := newJWKSProvider("https://auth.example.com", kf, "")
	ctx := context.Background()
	exp := time.Now().Add(time.Hour).Unix()

	tok := signRS256(t, key, jwt.MapClaims{"iss": "https://auth.example.com", "sub": "42", "exp": exp})
	id, err := p.ValidateToken(ctx, tok)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if id.Subject != "42" || id.Role != RoleUser {
		t.Errorf("identity: got %+v", id)
	}

	tok = signRS256(t, key, jwt.MapClaims{"iss": "https://auth.example.com", "sub": "ops", "org_role": "org:admin", "exp": exp})
	if id, err := p.ValidateToken(ctx, tok); err != nil || !id.IsAdmin() {
		t.Errorf("org admin: got %+v, %v", id, err)
	}

	rejects := map[string]jwt.MapClaims{
		"wrong issuer": {"iss": "https://evil.example.com", "sub": "42", "exp": exp},
		"no expiry":    {"iss": "https://auth.example.com", "sub": "42"},
		"no subject":   {"iss": "https://auth.example.com", "exp": exp},
	}
	for name, claims := range rejects {
		if _, err := p.ValidateToken(ctx, signRS256(t, key, claims)); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("%s: got %v, want ErrUnauthorized", name, err)
		}
	}
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider(config.AuthConfig{})
	if err != nil || p.Name() != "none" {
		t.Errorf("default: got %v, %v", p, err)
	}
	p, err = NewProvider(config.AuthConfig{Provider: "hmac", JWTSecret: testSecret})
	if err != nil || p.Name() != "hmac" {
		t.Errorf("hmac: got %v, %v", p, err)
	}
	if _, err := NewProvider(config.AuthConfig{Provider: "jwks"}); err == nil {
		t.Error("jwks without issuer: expected error")
	}
	if _, err := NewProvider(config.AuthConfig{Provider: "ldap"}); err == nil {
		t.Error("unknown provider: expected error")
	}
}
