package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amurg-ai/rolegate/gate/internal/access"
	"github.com/amurg-ai/rolegate/gate/internal/accounts"
	"github.com/amurg-ai/rolegate/gate/internal/auth"
	"github.com/amurg-ai/rolegate/gate/internal/config"
	"github.com/amurg-ai/rolegate/gate/internal/eventbus"
	"github.com/amurg-ai/rolegate/gate/internal/grant"
	"github.com/amurg-ai/rolegate/gate/internal/invoice"
	"github.com/amurg-ai/rolegate/gate/internal/membership"
	"github.com/amurg-ai/rolegate/gate/internal/network"
	"github.com/amurg-ai/rolegate/gate/internal/pricing"
	"github.com/amurg-ai/rolegate/gate/internal/store"
	"github.com/amurg-ai/rolegate/pkg/x402"
)

const (
	testSecret     = "test-secret-at-least-32-chars-long"
	testAdminToken = "admin-token-for-tests"
)

type stubGateway struct {
	mu          sync.Mutex
	valid       bool
	settleCalls int
}

func (g *stubGateway) Verify(ctx context.Context, p *x402.PaymentPayload, req x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.valid {
		return &x402.VerifyResponse{IsValid: false, InvalidReason: "invalid_exact_evm_payload_signature", Payer: "0xpayer"}, nil
	}
	return &x402.VerifyResponse{IsValid: true, Payer: "0xpayer"}, nil
}

func (g *stubGateway) Settle(ctx context.Context, p *x402.PaymentPayload, req x402.PaymentRequirements) (*x402.SettleResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.settleCalls++
	return &x402.SettleResponse{Success: true, Transaction: "0xabc", Network: req.Network, Payer: "0xpayer"}, nil
}

// chainBalances reports balance for every wallet, or ErrNoRPC while it is nil.
type chainBalances struct {
	mu      sync.Mutex
	balance *big.Int
}

func (c *chainBalances) set(b *big.Int) {
	c.mu.Lock()
	c.balance = b
	c.mu.Unlock()
}

func (c *chainBalances) BalanceOf(ctx context.Context, n *network.Network, address string) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.balance == nil {
		return nil, accounts.ErrNoRPC
	}
	return new(big.Int).Set(c.balance), nil
}

type testEnv struct {
	srv      *Server
	store    store.Store
	gateway  *stubGateway
	balances *chainBalances
	bus      *eventbus.Bus
	hmac     *auth.HMACProvider
}

func setupTestServer(t *testing.T, rps float64, burst int) *testEnv {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{
		Server: config.ServerConfig{
			Addr:           ":0",
			AllowedOrigins: []string{"*"},
			MaxBodyBytes:   1024 * 1024,
			PublicURL:      "https://gate.example.com",
		},
		RateLimit: config.RateLimitConfig{RequestsPerSecond: rps, Burst: burst},
	}

	ctx := context.Background()
	if err := s.UpsertServer(ctx, &store.Server{
		ID:          "-1001",
		Name:        "Alpha",
		PricePerDay: "1",
		Receivers:   map[string]string{"base-sepolia": "0x000000000000000000000000000000000000bEEF"},
		Durations:   []int64{3600, 86400},
		CreatedAt:   time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	networks := network.NewRegistry(config.DefaultNetworks())
	sealer, err := accounts.NewSealer(testSecret)
	if err != nil {
		t.Fatal(err)
	}
	gw := &stubGateway{valid: true}
	balances := &chainBalances{}
	bus := eventbus.New()
	t.Cleanup(bus.Close)
	dry := membership.NewDryRun(logger)

	svc := access.NewService(access.Options{
		Catalog:        access.NewCatalog(s, 16, time.Minute),
		Networks:       networks,
		Accounts:       accounts.NewDirectory(s, networks, sealer, balances),
		Invoices:       invoice.NewService(s, 5*time.Minute, 5*time.Minute),
		Builder:        pricing.NewBuilder(networks),
		Gateway:        gw,
		Grants:         grant.NewManager(s, dry, dry, bus, logger),
		Events:         bus,
		InvoiceNetwork: "base-sepolia",
	}, logger)

	hp := auth.NewHMACProvider(testSecret, testAdminToken)
	return &testEnv{
		srv:      NewServer(svc, s, hp, bus, cfg, logger),
		store:    s,
		gateway:  gw,
		balances: balances,
		bus:      bus,
		hmac:     hp,
	}
}

func (e *testEnv) tokenFor(t *testing.T, subject string) string {
	t.Helper()
	tok, err := e.hmac.Issue(subject, "", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return m
}

func paymentHeader(t *testing.T) map[string]string {
	t.Helper()
	h, err := x402.EncodePaymentHeader(x402.PaymentPayload{
		X402Version: 1,
		Scheme:      x402.SchemeExact,
		Network:     "base-sepolia",
		Payload:     json.RawMessage(`{"signature":"0xsig"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	return map[string]string{x402.PaymentHeader: h}
}

func (e *testEnv) issueInvoice(t *testing.T, payerID string, duration int64) string {
	t.Helper()
	rr := e.do(t, "POST", "/api/user/invoice", e.tokenFor(t, payerID), map[string]any{
		"payer_id": payerID, "server_id": "-1001", "duration": duration,
	}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("issue invoice: %d %s", rr.Code, rr.Body.String())
	}
	return decodeBody(t, rr)["token"].(string)
}

func TestHealthz(t *testing.T) {
	env := setupTestServer(t, 100, 200)
	rr := env.do(t, "GET", "/healthz", "", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz: got %d", rr.Code)
	}
	if rr.Header().Get("X-Content-Type-Options") != "nosniff" || rr.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("security headers missing")
	}

	rr = env.do(t, "GET", "/readyz", "", nil, nil)
	if rr.Code != http.StatusOK {
		t.Errorf("readyz: got %d", rr.Code)
	}
}

func TestAccessEndToEnd(t *testing.T) {
	env := setupTestServer(t, 100, 200)
	token := env.issueInvoice(t, "42", 86400)

	rr := env.do(t, "POST", "/api/user/access", "", map[string]any{
		"payer_id": "42", "network_id": "base-sepolia", "server_id": "-1001", "duration": 86400, "token": token,
	}, paymentHeader(t))
	if rr.Code != http.StatusOK {
		t.Fatalf("access: got %d %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["success"] != true || body["delivered"] != true {
		t.Errorf("body: got %v", body)
	}

	raw, err := base64.StdEncoding.DecodeString(rr.Header().Get(x402.PaymentResponseHeader))
	if err != nil {
		t.Fatalf("receipt header: %v", err)
	}
	var receipt x402.SettleResponse
	if err := json.Unmarshal(raw, &receipt); err != nil || receipt.Transaction != "0xabc" {
		t.Errorf("receipt: got %+v, %v", receipt, err)
	}

	grants, err := env.store.ListGrants(context.Background(), "-1001")
	if err != nil {
		t.Fatal(err)
	}
	if len(grants) != 1 {
		t.Fatalf("got %d grants, want 1", len(grants))
	}
	if d := time.Until(grants[0].ExpiresAt); d < 86390*time.Second || d > 86400*time.Second {
		t.Errorf("grant expires in %v", d)
	}

	// The consumed invoice is gone.
	rr = env.do(t, "GET", "/api/user/invoice/"+token, "", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("consumed invoice lookup: got %d", rr.Code)
	}

	rr = env.do(t, "GET", "/api/user/access/-1001/42", "", nil, nil)
	if body := decodeBody(t, rr); body["entitled"] != true {
		t.Errorf("entitlement: got %v", body)
	}
}

func TestAccessPaymentRequired(t *testing.T) {
	env := setupTestServer(t, 100, 200)
	env.issueInvoice(t, "42", 3600)
	req := map[string]any{"payer_id": "42", "network_id": "base-sepolia", "server_id": "-1001", "duration": 3600}

	rr := env.do(t, "POST", "/api/user/access", "", req, nil)
	if rr.Code != http.StatusPaymentRequired {
		t.Fatalf("no payment: got %d %s", rr.Code, rr.Body.String())
	}
	var resp x402.PaymentRequiredResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.X402Version != 1 || len(resp.Accepts) != 1 {
		t.Fatalf("402 body: got %+v", resp)
	}
	a := resp.Accepts[0]
	if a.MaxAmountRequired != "41667" || a.Resource != "https://gate.example.com/api/user/access" || a.MaxTimeoutSeconds != 60 {
		t.Errorf("requirement: got %+v", a)
	}

	env.gateway.valid = false
	rr = env.do(t, "POST", "/api/user/access", "", req, paymentHeader(t))
	if rr.Code != http.StatusPaymentRequired {
		t.Fatalf("invalid payment: got %d", rr.Code)
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error != "invalid_exact_evm_payload_signature" || resp.Payer != "0xpayer" {
		t.Errorf("402 body: got %+v", resp)
	}
	if env.gateway.settleCalls != 0 {
		t.Errorf("settle called %d times", env.gateway.settleCalls)
	}
}

func TestAccessErrors(t *testing.T) {
	env := setupTestServer(t, 100, 200)
	env.issueInvoice(t, "42", 3600)

	cases := []struct {
		name string
		body any
		want int
	}{
		{"malformed body", "not an object", http.StatusBadRequest},
		{"missing fields", map[string]any{"payer_id": "42"}, http.StatusBadRequest},
		{"unknown server", map[string]any{"payer_id": "42", "network_id": "base-sepolia", "server_id": "nope", "duration": 3600}, http.StatusNotFound},
		{"unknown network", map[string]any{"payer_id": "42", "network_id": "tron", "server_id": "-1001", "duration": 3600}, http.StatusNotFound},
		{"unknown payer", map[string]any{"payer_id": "77", "network_id": "base-sepolia", "server_id": "-1001", "duration": 3600}, http.StatusNotFound},
		{"bad duration", map[string]any{"payer_id": "42", "network_id": "base-sepolia", "server_id": "-1001", "duration": 5}, http.StatusBadRequest},
		{"unknown token", map[string]any{"payer_id": "42", "network_id": "base-sepolia", "server_id": "-1001", "duration": 3600, "token": "x"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := env.do(t, "POST", "/api/user/access", "", tc.body, paymentHeader(t))
			if rr.Code != tc.want {
				t.Errorf("got %d %s, want %d", rr.Code, rr.Body.String(), tc.want)
			}
			if body := decodeBody(t, rr); body["success"] != false {
				t.Errorf("body: got %v", body)
			}
		})
	}
}

func TestInvoiceAuth(t *testing.T) {
	env := setupTestServer(t, 100, 200)
	body := map[string]any{"payer_id": "42", "server_id": "-1001", "duration": 3600}

	if rr := env.do(t, "POST", "/api/user/invoice", "", body, nil); rr.Code != http.StatusUnauthorized {
		t.Errorf("no token: got %d", rr.Code)
	}
	if rr := env.do(t, "POST", "/api/user/invoice", "garbage", body, nil); rr.Code != http.StatusUnauthorized {
		t.Errorf("bad token: got %d", rr.Code)
	}
	if rr := env.do(t, "POST", "/api/user/invoice", env.tokenFor(t, "43"), body, nil); rr.Code != http.StatusForbidden {
		t.Errorf("other payer: got %d", rr.Code)
	}
	if rr := env.do(t, "POST", "/api/user/invoice", testAdminToken, body, nil); rr.Code != http.StatusOK {
		t.Errorf("admin: got %d %s", rr.Code, rr.Body.String())
	}

	token := env.issueInvoice(t, "42", 3600)
	rr := env.do(t, "GET", "/api/user/invoice/"+token, "", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("invoice lookup: got %d", rr.Code)
	}
	view := decodeBody(t, rr)
	if view["server_name"] != "Alpha" || view["payer_id"] != "42" {
		t.Errorf("invoice view: got %v", view)
	}
}

func TestPayerWallets(t *testing.T) {
	env := setupTestServer(t, 100, 200)
	env.issueInvoice(t, "42", 3600)

	rr := env.do(t, "GET", "/api/user/42", env.tokenFor(t, "42"), nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("wallets: got %d %s", rr.Code, rr.Body.String())
	}
	if strings.Contains(strings.ToLower(rr.Body.String()), "sealed") || strings.Contains(rr.Body.String(), "private") {
		t.Error("wallet listing leaks key material")
	}
	body := decodeBody(t, rr)
	wallets, _ := body["wallets"].([]any)
	if len(wallets) != 1 {
		t.Fatalf("wallets: got %v", body)
	}
	if w := wallets[0].(map[string]any); !strings.HasPrefix(w["address"].(string), "0x") || w["balance_error"] == "" {
		t.Errorf("wallet: got %v", w)
	}

	env.balances.set(big.NewInt(2500000))
	body = decodeBody(t, env.do(t, "GET", "/api/user/42", env.tokenFor(t, "42"), nil, nil))
	wallets, _ = body["wallets"].([]any)
	if len(wallets) != 1 {
		t.Fatalf("wallets with balance: got %v", body)
	}
	if w := wallets[0].(map[string]any); w["balance"] != "2500000" || w["balance_error"] != nil {
		t.Errorf("wallet with balance: got %v", w)
	}

	if rr := env.do(t, "GET", "/api/user/42", env.tokenFor(t, "43"), nil, nil); rr.Code != http.StatusForbidden {
		t.Errorf("other payer: got %d", rr.Code)
	}
	if rr := env.do(t, "GET", "/api/user/99", env.tokenFor(t, "99"), nil, nil); rr.Code != http.StatusNotFound {
		t.Errorf("unknown payer: got %d", rr.Code)
	}
}

func TestDeliver(t *testing.T) {
	env := setupTestServer(t, 100, 200)
	env.issueInvoice(t, "42", 3600)
	body := map[string]any{"payer_id": "42", "server_id": "-1001"}

	if rr := env.do(t, "POST", "/api/user/access/deliver", env.tokenFor(t, "42"), body, nil); rr.Code != http.StatusNotFound {
		t.Errorf("deliver without grant: got %d", rr.Code)
	}

	rr := env.do(t, "POST", "/api/user/access", "", map[string]any{
		"payer_id": "42", "network_id": "base-sepolia", "server_id": "-1001", "duration": 3600,
	}, paymentHeader(t))
	if rr.Code != http.StatusOK {
		t.Fatalf("access: got %d", rr.Code)
	}

	if rr := env.do(t, "POST", "/api/user/access/deliver", env.tokenFor(t, "42"), body, nil); rr.Code != http.StatusOK {
		t.Errorf("deliver: got %d %s", rr.Code, rr.Body.String())
	}
	if env.gateway.settleCalls != 1 {
		t.Errorf("settle calls: got %d, want 1", env.gateway.settleCalls)
	}
}

func TestServersCatalog(t *testing.T) {
	env := setupTestServer(t, 100, 200)

	rr := env.do(t, "GET", "/api/servers", "", nil, nil)
	var servers []store.Server
	if err := json.Unmarshal(rr.Body.Bytes(), &servers); err != nil || len(servers) != 1 {
		t.Fatalf("servers: got %s, %v", rr.Body.String(), err)
	}
	if rr := env.do(t, "GET", "/api/server/-1001", "", nil, nil); rr.Code != http.StatusOK {
		t.Errorf("server: got %d", rr.Code)
	}
	if rr := env.do(t, "GET", "/api/server/nope", "", nil, nil); rr.Code != http.StatusNotFound {
		t.Errorf("missing server: got %d", rr.Code)
	}
}

func TestAdminRoutes(t *testing.T) {
	env := setupTestServer(t, 100, 200)
	env.issueInvoice(t, "42", 3600)

	if rr := env.do(t, "GET", "/api/admin/grants", env.tokenFor(t, "42"), nil, nil); rr.Code != http.StatusForbidden {
		t.Errorf("user on admin route: got %d", rr.Code)
	}
	if rr := env.do(t, "GET", "/api/admin/grants", testAdminToken, nil, nil); rr.Code != http.StatusOK {
		t.Errorf("admin grants: got %d", rr.Code)
	}
	if rr := env.do(t, "GET", "/api/admin/audit?limit=10", testAdminToken, nil, nil); rr.Code != http.StatusOK {
		t.Errorf("admin audit: got %d", rr.Code)
	}
}

func TestRateLimit(t *testing.T) {
	env := setupTestServer(t, 1, 2)
	var limited bool
	for i := 0; i < 5; i++ {
		rr := env.do(t, "GET", "/api/servers", "", nil, nil)
		if rr.Code == http.StatusTooManyRequests {
			limited = true
			if rr.Header().Get("Retry-After") == "" {
				t.Error("Retry-After missing")
			}
			break
		}
	}
	if !limited {
		t.Error("expected a 429 after exhausting the burst")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := newRateLimiter(1, 1)
	rl.allow("a")
	rl.allow("b")
	rl.cleanup(-time.Second)
	if n := rl.size(); n != 0 {
		t.Errorf("buckets after cleanup: got %d, want 0", n)
	}
}

func TestEventFeed(t *testing.T) {
	env := setupTestServer(t, 100, 200)
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events?types=grant.created&token="

	if _, resp, err := websocket.DefaultDialer.Dial(wsURL+env.tokenFor(t, "42"), nil); err == nil {
		t.Fatal("non-admin opened the event feed")
	} else if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("non-admin: got %v", resp)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+testAdminToken, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.bus.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("feed never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	env.bus.PublishType(eventbus.InvoiceIssued, "-1001", nil)
	env.bus.PublishType(eventbus.GrantCreated, "-1001", map[string]string{"payer_id": "42"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev eventbus.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != eventbus.GrantCreated || ev.ServerID != "-1001" {
		t.Errorf("event: got %+v", ev)
	}
}
