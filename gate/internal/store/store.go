// Package store defines the storage interface for the gate and provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the persistence interface for the gate.
type Store interface {
	// Servers
	UpsertServer(ctx context.Context, srv *Server) error
	GetServer(ctx context.Context, id string) (*Server, error)
	ListServers(ctx context.Context) ([]Server, error)

	// Payers and their per-network wallets
	CreatePayer(ctx context.Context, p *Payer) error
	GetPayer(ctx context.Context, id string) (*Payer, error)
	CreateWallet(ctx context.Context, w *Wallet) (*Wallet, error)
	GetWallet(ctx context.Context, payerID, networkID string) (*Wallet, error)
	ListWallets(ctx context.Context, payerID string) ([]Wallet, error)

	// Invoices
	UpsertInvoice(ctx context.Context, inv *Invoice, renewalExpiry time.Time) (*Invoice, error)
	GetInvoiceByToken(ctx context.Context, token string, now time.Time) (*Invoice, error)
	DeleteInvoice(ctx context.Context, id string) error
	PurgeExpiredInvoices(ctx context.Context, before time.Time) (int64, error)

	// Access grants
	CreateGrant(ctx context.Context, g *AccessGrant) error
	ListExpiredGrants(ctx context.Context, before time.Time) ([]AccessGrant, error)
	ListLiveGrants(ctx context.Context, payerID, serverID string, now time.Time) ([]AccessGrant, error)
	ListGrants(ctx context.Context, serverID string) ([]AccessGrant, error)
	DeleteGrant(ctx context.Context, id string) error

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error)
	PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Server is a gated community. ID is the chat platform's identifier.
type Server struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	OwnerID     string            `json:"owner_id"`
	PricePerDay string            `json:"price_per_day"` // decimal, whole asset units
	Receivers   map[string]string `json:"receivers"`     // network id -> receiving address
	Durations   []int64           `json:"durations"`     // permitted grant durations, seconds
	CreatedAt   time.Time         `json:"created_at"`
}

// AllowsDuration reports whether seconds is one of the permitted durations.
func (s *Server) AllowsDuration(seconds int64) bool {
	for _, d := range s.Durations {
		if d == seconds {
			return true
		}
	}
	return false
}

// Payer is an external identity that pays for access.
type Payer struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// Wallet is a payer's derived key-pair on one network.
type Wallet struct {
	PayerID   string    `json:"payer_id"`
	NetworkID string    `json:"network_id"`
	Address   string    `json:"address"`
	SealedKey string    `json:"-"` // encrypted private key
	CreatedAt time.Time `json:"created_at"`
}

// Invoice is a pending deferred-payment request. At most one exists per
// (payer, server) pair.
type Invoice struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"`
	PayerID   string    `json:"payer_id"`
	ServerID  string    `json:"server_id"`
	Duration  int64     `json:"duration"` // seconds
	ExpiresAt time.Time `json:"expires_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AccessGrant is a time-bounded entitlement created by a settled payment.
type AccessGrant struct {
	ID          string    `json:"id"`
	PayerID     string    `json:"payer_id"`
	ServerID    string    `json:"server_id"`
	NetworkID   string    `json:"network_id"`
	Transaction string    `json:"transaction,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	PayerID   string          `json:"payer_id,omitempty"`
	ServerID  string          `json:"server_id,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func encodeServerFields(srv *Server) (receivers, durations string, err error) {
	r := srv.Receivers
	if r == nil {
		r = map[string]string{}
	}
	rb, err := json.Marshal(r)
	if err != nil {
		return "", "", err
	}
	d := srv.Durations
	if d == nil {
		d = []int64{}
	}
	db, err := json.Marshal(d)
	if err != nil {
		return "", "", err
	}
	return string(rb), string(db), nil
}

func decodeServerFields(srv *Server, receivers, durations string) error {
	if err := json.Unmarshal([]byte(receivers), &srv.Receivers); err != nil {
		return err
	}
	return json.Unmarshal([]byte(durations), &srv.Durations)
}
