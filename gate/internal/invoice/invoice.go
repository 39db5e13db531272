// Package invoice issues and validates deferred-payment tokens.
//
// An invoice binds one payer to one server and duration for a short window so
// that payment can arrive out of band. There is at most one live invoice per
// (payer, server) pair; the store's upsert enforces it.
package invoice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/amurg-ai/rolegate/gate/internal/store"
)

var (
	ErrInvalidDuration = errors.New("duration is not allowed for this server")
	ErrNotFound        = errors.New("invoice not found or expired")
	ErrMismatch        = errors.New("invoice does not match this request")
)

// Service issues, validates and deletes invoices.
type Service struct {
	store      store.Store
	ttl        time.Duration
	renewalTTL time.Duration
	now        func() time.Time
}

// NewService creates an invoice Service. ttl bounds a first issuance and
// renewalTTL bounds an invoice that overwrote a prior one.
func NewService(s store.Store, ttl, renewalTTL time.Duration) *Service {
	if renewalTTL <= 0 {
		renewalTTL = ttl
	}
	return &Service{store: s, ttl: ttl, renewalTTL: renewalTTL, now: time.Now}
}

// Issue creates or replaces the payer's invoice for srv and returns it.
func (s *Service) Issue(ctx context.Context, payerID string, srv *store.Server, duration int64) (*store.Invoice, error) {
	if !srv.AllowsDuration(duration) {
		return nil, ErrInvalidDuration
	}
	token, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}

	now := s.now()
	inv, err := s.store.UpsertInvoice(ctx, &store.Invoice{
		ID:        uuid.New().String(),
		Token:     token.String(),
		PayerID:   payerID,
		ServerID:  srv.ID,
		Duration:  duration,
		ExpiresAt: now.Add(s.ttl),
		UpdatedAt: now,
	}, now.Add(s.renewalTTL))
	if err != nil {
		return nil, fmt.Errorf("upsert invoice: %w", err)
	}
	return inv, nil
}

// Consume checks that token names a live invoice issued for exactly this
// payer, server and duration. It does not delete the invoice.
func (s *Service) Consume(ctx context.Context, token, payerID, serverID string, duration int64) (*store.Invoice, error) {
	inv, err := s.Lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	if inv.PayerID != payerID || inv.ServerID != serverID || inv.Duration != duration {
		return nil, ErrMismatch
	}
	return inv, nil
}

// Lookup returns the live invoice for token.
func (s *Service) Lookup(ctx context.Context, token string) (*store.Invoice, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	inv, err := s.store.GetInvoiceByToken(ctx, token, s.now())
	if err != nil {
		return nil, fmt.Errorf("get invoice: %w", err)
	}
	if inv == nil {
		return nil, ErrNotFound
	}
	return inv, nil
}

// Delete removes a consumed invoice.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.DeleteInvoice(ctx, id)
}

// Purge deletes invoices that lapsed before cutoff.
func (s *Service) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.store.PurgeExpiredInvoices(ctx, cutoff)
}
