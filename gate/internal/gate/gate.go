// Package gate is the main orchestrator that ties all gate components together.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/amurg-ai/rolegate/gate/internal/access"
	"github.com/amurg-ai/rolegate/gate/internal/accounts"
	"github.com/amurg-ai/rolegate/gate/internal/api"
	"github.com/amurg-ai/rolegate/gate/internal/auth"
	"github.com/amurg-ai/rolegate/gate/internal/config"
	"github.com/amurg-ai/rolegate/gate/internal/eventbus"
	"github.com/amurg-ai/rolegate/gate/internal/grant"
	"github.com/amurg-ai/rolegate/gate/internal/invoice"
	"github.com/amurg-ai/rolegate/gate/internal/membership"
	"github.com/amurg-ai/rolegate/gate/internal/network"
	"github.com/amurg-ai/rolegate/gate/internal/payment"
	"github.com/amurg-ai/rolegate/gate/internal/pricing"
	"github.com/amurg-ai/rolegate/gate/internal/reconciler"
	"github.com/amurg-ai/rolegate/gate/internal/store"
)

// Gate is the main gate process.
type Gate struct {
	cfg          *config.Config
	store        store.Store
	bus          *eventbus.Bus
	authProvider auth.Provider
	balances     *accounts.ChainBalances
	invoices     *invoice.Service
	reconciler   *reconciler.Reconciler
	api          *api.Server
	logger       *slog.Logger
}

// Membership is a chat platform provider that can also message payers.
type Membership interface {
	membership.Provider
	membership.Notifier
}

// NewMembership returns the Telegram provider when a bot token is configured
// and the dry-run provider otherwise.
func NewMembership(cfg config.TelegramConfig, logger *slog.Logger) (Membership, error) {
	if cfg.BotToken == "" {
		logger.Warn("telegram.bot_token not set, membership changes are only logged")
		return membership.NewDryRun(logger), nil
	}
	tg, err := membership.NewTelegram(cfg.BotToken, cfg.APIEndpoint, &http.Client{Timeout: 30 * time.Second})
	if err != nil {
		return nil, err
	}
	logger.Info("telegram bot connected", "username", tg.Username())
	return tg, nil
}

// New creates a new gate from configuration. Events are published on bus,
// which may be nil.
func New(cfg *config.Config, bus *eventbus.Bus, logger *slog.Logger) (*Gate, error) {
	if bus == nil {
		bus = eventbus.New()
	}

	// Initialize storage.
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	authProvider, err := auth.NewProvider(cfg.Auth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	sealer, err := accounts.NewSealer(cfg.Accounts.KeySecret)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init wallet sealer: %w", err)
	}

	members, err := NewMembership(cfg.Telegram, logger)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init membership provider: %w", err)
	}

	networks := network.NewRegistry(cfg.Networks)
	if _, err := networks.Get(cfg.Invoice.Network); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("invoice.network %q: %w", cfg.Invoice.Network, err)
	}
	balances := accounts.NewChainBalances(accounts.DialEthClient)
	invoices := invoice.NewService(db, cfg.Invoice.TTL.Duration, cfg.Invoice.RenewalTTL.Duration)
	grants := grant.NewManager(db, members, members, bus, logger)

	svc := access.NewService(access.Options{
		Catalog:        access.NewCatalog(db, cfg.Cache.Servers, cfg.Cache.ServerTTL.Duration),
		Networks:       networks,
		Accounts:       accounts.NewDirectory(db, networks, sealer, balances),
		Invoices:       invoices,
		Builder:        pricing.NewBuilder(networks),
		Gateway:        payment.NewFacilitator(cfg.Payment.FacilitatorURL, cfg.Payment.FacilitatorAPIKey, cfg.Payment.Timeout.Duration),
		Grants:         grants,
		Events:         bus,
		PaymentTimeout: cfg.Payment.Timeout.Duration,
		InvoiceNetwork: cfg.Invoice.Network,
	}, logger)

	g := &Gate{
		cfg:          cfg,
		store:        db,
		bus:          bus,
		authProvider: authProvider,
		balances:     balances,
		invoices:     invoices,
		reconciler: reconciler.New(db, members, bus, logger, reconciler.Options{
			Interval:      cfg.Reconciler.Interval.Duration,
			RevokeTimeout: cfg.Reconciler.RevokeTimeout.Duration,
		}),
		api:    api.NewServer(svc, db, authProvider, bus, cfg, logger),
		logger: logger.With("component", "gate"),
	}

	if authProvider.Name() == "none" {
		logger.Warn("auth.provider is none, payer endpoints trust the caller")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}

	return g, nil
}

// Run starts the HTTP server, the expiry reconciler and the purger, and
// blocks until the context is canceled.
func (g *Gate) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              g.cfg.Server.Addr,
		Handler:           g.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	g.api.StartBackgroundTasks(bgCtx)
	g.reconciler.Start(bgCtx)
	purgerDone := make(chan struct{})
	go func() {
		defer close(purgerDone)
		g.runPurger(bgCtx, time.Hour)
	}()
	// Background work holds the store until it has returned.
	waitBackground := func() {
		stopBackground()
		g.reconciler.Wait()
		<-purgerDone
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("gate listening", "addr", g.cfg.Server.Addr)
		if g.cfg.Server.TLSCert != "" && g.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(g.cfg.Server.TLSCert, g.cfg.Server.TLSKey)
		} else {
			g.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		g.logger.Info("shutting down gate gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Ends open event feeds so Shutdown does not wait on them.
		g.bus.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			g.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			g.logger.Info("http server stopped gracefully")
		}

		waitBackground()
		g.close()
		g.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		waitBackground()
		g.close()
		return err
	}
}

func (g *Gate) close() {
	g.balances.Close()
	if c, ok := g.authProvider.(interface{ Close() error }); ok {
		_ = c.Close()
	}
	g.logger.Info("closing store")
	_ = g.store.Close()
}

// runPurger drops lapsed invoices and audit events past retention.
func (g *Gate) runPurger(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.purge(ctx)
		}
	}
}

func (g *Gate) purge(ctx context.Context) {
	now := time.Now()
	if n, err := g.invoices.Purge(ctx, now); err != nil {
		g.logger.Warn("purge: lapsed invoices failed", "error", err)
	} else if n > 0 {
		g.logger.Info("purge: deleted lapsed invoices", "count", n)
	}
	if retention := g.cfg.Storage.AuditRetention.Duration; retention > 0 {
		if n, err := g.store.PurgeOldAuditEvents(ctx, now.Add(-retention)); err != nil {
			g.logger.Warn("purge: audit events failed", "error", err)
		} else if n > 0 {
			g.logger.Info("purge: deleted old audit events", "count", n)
		}
	}
}
