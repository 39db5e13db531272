package gate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/amurg-ai/rolegate/gate/internal/config"
	"github.com/amurg-ai/rolegate/gate/internal/membership"
	"github.com/amurg-ai/rolegate/gate/internal/store"
)

func testConfig() *config.Config {
	cfg := &config.Config{
		Server:   config.ServerConfig{Addr: "127.0.0.1:0"},
		Storage:  config.StorageConfig{Driver: "sqlite", DSN: ":memory:"},
		Payment:  config.PaymentConfig{FacilitatorURL: "http://127.0.0.1:1"},
		Accounts: config.AccountsConfig{KeySecret: "0123456789abcdef0123456789abcdef"},
	}
	cfg.ApplyDefaults()
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewUsesDryRunWithoutBotToken(t *testing.T) {
	m, err := NewMembership(config.TelegramConfig{}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := m.(*membership.DryRun); !ok {
		t.Errorf("got %T, want *membership.DryRun", m)
	}
}

func TestNewRejectsUnknownInvoiceNetwork(t *testing.T) {
	cfg := testConfig()
	cfg.Invoice.Network = "tron"
	if _, err := New(cfg, nil, testLogger()); err == nil {
		t.Fatal("expected error for unknown invoice network")
	}
}

func TestPurge(t *testing.T) {
	g, err := New(testConfig(), nil, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer g.close()
	ctx := context.Background()

	if err := g.store.UpsertServer(ctx, &store.Server{ID: "s1", Name: "S", PricePerDay: "1", Durations: []int64{60}, CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-time.Hour)
	if _, err := g.store.UpsertInvoice(ctx, &store.Invoice{
		ID: "i1", Token: "tok", PayerID: "p", ServerID: "s1", Duration: 60, ExpiresAt: past, UpdatedAt: past,
	}, past); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-60 * 24 * time.Hour)
	if err := g.store.LogAuditEvent(ctx, &store.AuditEvent{ID: "a1", Action: "grant.created", CreatedAt: old}); err != nil {
		t.Fatal(err)
	}

	g.purge(ctx)

	if n, _ := g.store.PurgeExpiredInvoices(ctx, time.Now()); n != 0 {
		t.Errorf("lapsed invoices left behind: %d", n)
	}
	events, err := g.store.ListAuditEvents(ctx, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Errorf("audit events past retention: got %d", len(events))
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	g, err := New(testConfig(), nil, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run: got %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
