// Package grant turns settled payments into time-bounded access grants and
// delivers the membership invite for them.
//
// Grants are append-only: every settlement adds a row and a payer's
// entitlement is the latest expiry among its live rows. Durations are never
// summed.
package grant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/amurg-ai/rolegate/gate/internal/eventbus"
	"github.com/amurg-ai/rolegate/gate/internal/membership"
	"github.com/amurg-ai/rolegate/gate/internal/store"
)

// ErrNoLiveGrant is returned by Deliver when the payer has nothing to deliver.
var ErrNoLiveGrant = errors.New("no live grant for this payer and server")

// ProvisioningError reports a grant that was persisted but whose invite could
// not be delivered. The payment is settled; delivery can be retried alone.
type ProvisioningError struct {
	Grant *store.AccessGrant
	Err   error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("grant %s persisted but invite delivery failed: %v", e.Grant.ID, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// Request describes a settled payment to turn into a grant.
type Request struct {
	Server      *store.Server
	PayerID     string
	Duration    int64 // seconds
	NetworkID   string
	Transaction string
	InvoiceID   string // consumed invoice to delete, if any
}

// Manager creates grants and provisions membership for them.
type Manager struct {
	store    store.Store
	provider membership.Provider
	notifier membership.Notifier
	events   eventbus.Publisher
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager creates a Manager. A nil events publishes nowhere.
func NewManager(s store.Store, provider membership.Provider, notifier membership.Notifier, events eventbus.Publisher, logger *slog.Logger) *Manager {
	if events == nil {
		events = eventbus.Discard
	}
	return &Manager{
		store:    s,
		provider: provider,
		notifier: notifier,
		events:   events,
		logger:   logger.With("component", "grant"),
		now:      time.Now,
	}
}

// Grant appends a grant expiring Duration seconds from now, deletes the
// consumed invoice and delivers the invite. The grant is written even if ctx
// has been canceled, since the payment behind it has already settled.
//
// A delivery failure returns the grant together with a *ProvisioningError.
func (m *Manager) Grant(ctx context.Context, req Request) (*store.AccessGrant, error) {
	now := m.now()
	g := &store.AccessGrant{
		ID:          uuid.New().String(),
		PayerID:     req.PayerID,
		ServerID:    req.Server.ID,
		NetworkID:   req.NetworkID,
		Transaction: req.Transaction,
		ExpiresAt:   now.Add(time.Duration(req.Duration) * time.Second),
		Active:      true,
		CreatedAt:   now,
	}

	persistCtx := context.WithoutCancel(ctx)
	if err := m.store.CreateGrant(persistCtx, g); err != nil {
		m.logger.Error("reconciliation gap",
			"payer_id", g.PayerID,
			"server_id", g.ServerID,
			"network_id", g.NetworkID,
			"transaction", g.Transaction,
			"duration", req.Duration,
			"error", err,
		)
		m.audit(persistCtx, "grant.lost", g, map[string]any{"error": err.Error(), "duration": req.Duration})
		return nil, fmt.Errorf("persist grant: %w", err)
	}
	m.audit(persistCtx, "grant.created", g, map[string]any{"duration": req.Duration})
	m.events.PublishType(eventbus.GrantCreated, g.ServerID, g)
	m.logger.Info("grant created", "grant_id", g.ID, "payer_id", g.PayerID, "server_id", g.ServerID, "expires_at", g.ExpiresAt)

	if req.InvoiceID != "" {
		if err := m.store.DeleteInvoice(persistCtx, req.InvoiceID); err != nil {
			// Left to lapse.
			m.logger.Warn("delete consumed invoice failed", "invoice_id", req.InvoiceID, "error", err)
		}
	}

	if err := m.provision(ctx, req.Server, g); err != nil {
		m.logger.Warn("invite delivery failed", "grant_id", g.ID, "payer_id", g.PayerID, "server_id", g.ServerID, "error", err)
		return g, &ProvisioningError{Grant: g, Err: err}
	}
	return g, nil
}

// Deliver re-sends an invite to a payer holding a live grant for srv. No
// payment is involved.
func (m *Manager) Deliver(ctx context.Context, srv *store.Server, payerID string) (*store.AccessGrant, error) {
	g, err := m.Entitlement(ctx, payerID, srv.ID)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, ErrNoLiveGrant
	}
	if err := m.provision(ctx, srv, g); err != nil {
		return g, &ProvisioningError{Grant: g, Err: err}
	}
	return g, nil
}

// Entitlement returns the payer's live grant with the latest expiry, or nil.
func (m *Manager) Entitlement(ctx context.Context, payerID, serverID string) (*store.AccessGrant, error) {
	grants, err := m.store.ListLiveGrants(ctx, payerID, serverID, m.now())
	if err != nil {
		return nil, fmt.Errorf("list live grants: %w", err)
	}
	var best *store.AccessGrant
	for i := range grants {
		if best == nil || grants[i].ExpiresAt.After(best.ExpiresAt) {
			best = &grants[i]
		}
	}
	return best, nil
}

func (m *Manager) provision(ctx context.Context, srv *store.Server, g *store.AccessGrant) error {
	link, err := m.provider.CreateInviteLink(ctx, srv.ID)
	if err != nil {
		return err
	}
	name := srv.Name
	if name == "" {
		name = srv.ID
	}
	text := fmt.Sprintf("Here is your invite link to the server %s: %s", name, link)
	if err := m.notifier.Notify(ctx, g.PayerID, text); err != nil {
		return err
	}
	m.events.PublishType(eventbus.GrantDelivered, g.ServerID, map[string]string{"grant_id": g.ID, "payer_id": g.PayerID})
	return nil
}

func (m *Manager) audit(ctx context.Context, action string, g *store.AccessGrant, detail map[string]any) {
	detail["grant_id"] = g.ID
	detail["transaction"] = g.Transaction
	raw, _ := json.Marshal(detail)
	if err := m.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID:        uuid.New().String(),
		Action:    action,
		PayerID:   g.PayerID,
		ServerID:  g.ServerID,
		Detail:    raw,
		CreatedAt: m.now(),
	}); err != nil {
		m.logger.Warn("audit log failed", "action", action, "error", err)
	}
}
