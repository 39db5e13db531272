// Package membership manages the chat-platform side of a grant: invite links,
// membership lookups, revocation and direct messages to payers.
package membership

import (
	"context"
	"log/slog"
	"sync"
)

// Membership is a payer's current state in a server.
type Membership struct {
	Status string `json:"status"` // platform status, e.g. "member" or "restricted"
}

// Provider issues and revokes membership in a server.
type Provider interface {
	CreateInviteLink(ctx context.Context, serverID string) (string, error)
	// GetMembership returns nil when the payer is not in the server.
	GetMembership(ctx context.Context, serverID, payerID string) (*Membership, error)
	RevokeMembership(ctx context.Context, serverID, payerID string) error
}

// Notifier sends a direct message to a payer.
type Notifier interface {
	Notify(ctx context.Context, payerID, text string) error
}

// DryRun is a Provider and Notifier that only logs. It stands in for the
// chat platform when no bot token is configured. Revoked payers are remembered
// so a later lookup reports them absent.
type DryRun struct {
	logger *slog.Logger

	mu      sync.Mutex
	revoked map[string]bool
}

// NewDryRun creates a DryRun provider.
func NewDryRun(logger *slog.Logger) *DryRun {
	return &DryRun{
		logger:  logger.With("component", "membership", "provider", "dry-run"),
		revoked: make(map[string]bool),
	}
}

func (d *DryRun) CreateInviteLink(ctx context.Context, serverID string) (string, error) {
	link := "https://t.me/+dry-run-" + serverID
	d.logger.Info("invite link created", "server_id", serverID, "link", link)
	return link, nil
}

func (d *DryRun) GetMembership(ctx context.Context, serverID, payerID string) (*Membership, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.revoked[serverID+"/"+payerID] {
		return nil, nil
	}
	return &Membership{Status: "member"}, nil
}

func (d *DryRun) RevokeMembership(ctx context.Context, serverID, payerID string) error {
	d.mu.Lock()
	d.revoked[serverID+"/"+payerID] = true
	d.mu.Unlock()
	d.logger.Info("membership revoked", "server_id", serverID, "payer_id", payerID)
	return nil
}

func (d *DryRun) Notify(ctx context.Context, payerID, text string) error {
	d.logger.Info("direct message", "payer_id", payerID, "text", text)
	return nil
}
