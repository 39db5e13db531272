// Package access orchestrates paid access requests: it prices the request,
// checks the invoice or balance, verifies and settles the payment, and hands
// the settled payment to the grant manager.
package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/amurg-ai/rolegate/gate/internal/accounts"
	"github.com/amurg-ai/rolegate/gate/internal/eventbus"
	"github.com/amurg-ai/rolegate/gate/internal/grant"
	"github.com/amurg-ai/rolegate/gate/internal/invoice"
	"github.com/amurg-ai/rolegate/gate/internal/network"
	"github.com/amurg-ai/rolegate/gate/internal/payment"
	"github.com/amurg-ai/rolegate/gate/internal/pricing"
	"github.com/amurg-ai/rolegate/gate/internal/store"
	"github.com/amurg-ai/rolegate/pkg/x402"
)

// RoleDescription is shown to payers in the payment requirement.
const RoleDescription = "Get access to role"

// Options wires a Service.
type Options struct {
	Catalog        *Catalog
	Networks       *network.Registry
	Accounts       *accounts.Directory
	Invoices       *invoice.Service
	Builder        *pricing.Builder
	Gateway        payment.Gateway
	Grants         *grant.Manager
	Events         eventbus.Publisher
	PaymentTimeout time.Duration // bounds verify and settle together; default 60s
	InvoiceNetwork string        // network whose wallet is created on invoice issuance
}

// Service implements the access and invoice flows.
type Service struct {
	opts   Options
	events eventbus.Publisher
	logger *slog.Logger
}

// NewService creates a Service.
func NewService(opts Options, logger *slog.Logger) *Service {
	if opts.PaymentTimeout <= 0 {
		opts.PaymentTimeout = pricing.PaymentTimeoutSeconds * time.Second
	}
	events := opts.Events
	if events == nil {
		events = eventbus.Discard
	}
	return &Service{opts: opts, events: events, logger: logger.With("component", "access")}
}

// Request is a request for paid access.
type Request struct {
	PayerID   string
	NetworkID string
	ServerID  string
	Duration  int64  // seconds
	Token     string // invoice token, optional
	Payment   string // raw X-PAYMENT header
	Resource  string // URL of the resource being paid for
}

// Result is the outcome of a settled access request.
type Result struct {
	Grant        *store.AccessGrant
	Receipt      *x402.SettleResponse
	SettleHeader string // base64 receipt for X-PAYMENT-RESPONSE
}

// RequestAccess runs the full access flow. Once a payment has settled the
// returned Result is non-nil even when err is not: a *grant.ProvisioningError
// means the grant exists but the invite was not delivered, and any other error
// means the grant could not be recorded.
func (s *Service) RequestAccess(ctx context.Context, req Request) (*Result, error) {
	if req.PayerID == "" || req.NetworkID == "" || req.ServerID == "" || req.Duration <= 0 {
		return nil, &ValidationError{Msg: "payer_id, network_id, server_id and duration are required"}
	}

	net, err := s.opts.Networks.Get(req.NetworkID)
	if err != nil {
		return nil, &NotFoundError{Entity: "network", ID: req.NetworkID}
	}

	var (
		srv    *store.Server
		wallet *store.Wallet
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		srv, err = s.opts.Catalog.Get(gctx, req.ServerID)
		return err
	})
	g.Go(func() error {
		var err error
		wallet, err = s.opts.Accounts.Wallet(gctx, req.PayerID, req.NetworkID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("load access request: %w", err)
	}
	if srv == nil {
		return nil, &NotFoundError{Entity: "server", ID: req.ServerID}
	}
	if wallet == nil {
		return nil, &NotFoundError{Entity: "payer", ID: req.PayerID}
	}
	if !srv.AllowsDuration(req.Duration) {
		return nil, &ValidationError{Msg: "duration is not allowed for this server"}
	}
	payTo := srv.Receivers[req.NetworkID]
	if payTo == "" {
		return nil, &ValidationError{Msg: fmt.Sprintf("server does not accept payment on %s", req.NetworkID)}
	}

	requirement, err := s.opts.Builder.BuildForDuration(pricing.Input{
		Price:       srv.PricePerDay,
		NetworkID:   req.NetworkID,
		Resource:    req.Resource,
		PayTo:       payTo,
		Description: RoleDescription,
	}, req.Duration)
	if err != nil {
		return nil, err
	}
	accepts := []x402.PaymentRequirements{requirement}

	var inv *store.Invoice
	if req.Token != "" {
		inv, err = s.opts.Invoices.Consume(ctx, req.Token, req.PayerID, req.ServerID, req.Duration)
		switch {
		case errors.Is(err, invoice.ErrNotFound):
			return nil, &ValidationError{Msg: "invoice not found", Err: err}
		case errors.Is(err, invoice.ErrMismatch):
			return nil, &ValidationError{Msg: "invoice is not valid", Err: err}
		case err != nil:
			return nil, err
		}
	} else if err := s.checkBalance(ctx, req, net, requirement); err != nil {
		return nil, err
	}

	payload, err := x402.DecodePaymentHeader(req.Payment)
	if err != nil {
		return nil, &PaymentRequiredError{Reason: err.Error(), Accepts: accepts}
	}
	selected := x402.SelectRequirements(accepts, payload)

	receipt, err := s.pay(ctx, req, payload, *selected, accepts)
	if err != nil {
		return nil, err
	}

	header, err := x402.EncodeSettleHeader(*receipt)
	if err != nil {
		s.logger.Warn("encode settle header failed", "error", err)
	}
	res := &Result{Receipt: receipt, SettleHeader: header}

	var invoiceID string
	if inv != nil {
		invoiceID = inv.ID
	}
	res.Grant, err = s.opts.Grants.Grant(ctx, grant.Request{
		Server:      srv,
		PayerID:     req.PayerID,
		Duration:    req.Duration,
		NetworkID:   req.NetworkID,
		Transaction: receipt.Transaction,
		InvoiceID:   invoiceID,
	})
	return res, err
}

// pay verifies then settles. Settle starts only after a valid verify and only
// while the request is still alive; it is never retried. A settle that fails
// after the request has ended is logged as a reconciliation gap, since the
// facilitator may have moved the funds.
func (s *Service) pay(reqCtx context.Context, req Request, payload *x402.PaymentPayload, selected x402.PaymentRequirements, accepts []x402.PaymentRequirements) (*x402.SettleResponse, error) {
	ctx, cancel := context.WithTimeout(reqCtx, s.opts.PaymentTimeout)
	defer cancel()

	reject := func(reason, payer string) error {
		s.events.PublishType(eventbus.PaymentRejected, req.ServerID, map[string]string{
			"payer_id": req.PayerID,
			"reason":   reason,
		})
		s.logger.Info("payment rejected", "payer_id", req.PayerID, "server_id", req.ServerID, "reason", reason)
		return &PaymentRequiredError{Reason: reason, Accepts: accepts, Payer: payer}
	}

	vr, err := s.opts.Gateway.Verify(ctx, payload, selected)
	if err != nil {
		return nil, reject(err.Error(), "")
	}
	if !vr.IsValid {
		reason := vr.InvalidReason
		if reason == "" {
			reason = "payment verification failed"
		}
		return nil, reject(reason, vr.Payer)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("request ended before settlement: %w", err)
	}

	// Once settle starts the request may go away but the transfer cannot be
	// recalled, so settle gets its own deadline.
	settleCtx, cancelSettle := context.WithTimeout(context.WithoutCancel(reqCtx), s.opts.PaymentTimeout)
	defer cancelSettle()
	sr, err := s.opts.Gateway.Settle(settleCtx, payload, selected)
	if err != nil {
		if reqCtx.Err() != nil {
			s.logger.Error("reconciliation gap",
				"payer_id", req.PayerID,
				"server_id", req.ServerID,
				"network", selected.Network,
				"amount", selected.MaxAmountRequired,
				"error", err,
			)
		}
		return nil, reject(err.Error(), vr.Payer)
	}
	if !sr.Success {
		reason := sr.ErrorReason
		if reason == "" {
			reason = "failed to settle payment"
		}
		return nil, reject(reason, sr.Payer)
	}

	s.events.PublishType(eventbus.PaymentSettled, req.ServerID, map[string]string{
		"payer_id":    req.PayerID,
		"transaction": sr.Transaction,
		"network":     sr.Network,
		"amount":      selected.MaxAmountRequired,
	})
	s.logger.Info("payment settled", "payer_id", req.PayerID, "server_id", req.ServerID, "transaction", sr.Transaction)
	return sr, nil
}

// checkBalance is a pre-flight check only; settlement is authoritative. When
// the chain cannot be read the check is skipped.
func (s *Service) checkBalance(ctx context.Context, req Request, net *network.Network, requirement x402.PaymentRequirements) error {
	balance, err := s.opts.Accounts.Balance(ctx, req.PayerID, net.ID)
	if err != nil {
		s.logger.Warn("balance pre-check skipped", "payer_id", req.PayerID, "network", net.ID, "error", err)
		return nil
	}
	required, ok := new(big.Int).SetString(requirement.MaxAmountRequired, 10)
	if !ok {
		return fmt.Errorf("invalid required amount %q", requirement.MaxAmountRequired)
	}
	if balance.Cmp(required) < 0 {
		return &ValidationError{Msg: "insufficient balance"}
	}
	return nil
}

// IssueInvoice creates or replaces the payer's invoice for a server. The payer
// and its wallet on the invoice network are created on first use.
func (s *Service) IssueInvoice(ctx context.Context, payerID, serverID string, duration int64) (*store.Invoice, error) {
	if payerID == "" || serverID == "" || duration <= 0 {
		return nil, &ValidationError{Msg: "payer_id, server_id and duration are required"}
	}

	var srv *store.Server
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		srv, err = s.opts.Catalog.Get(gctx, serverID)
		return err
	})
	g.Go(func() error {
		_, err := s.opts.Accounts.Ensure(gctx, payerID, s.opts.InvoiceNetwork)
		return err
	})
	if err := g.Wait(); err != nil {
		if errors.Is(err, network.ErrUnknownNetwork) {
			return nil, &NotFoundError{Entity: "network", ID: s.opts.InvoiceNetwork}
		}
		return nil, fmt.Errorf("prepare invoice: %w", err)
	}
	if srv == nil {
		return nil, &NotFoundError{Entity: "server", ID: serverID}
	}

	inv, err := s.opts.Invoices.Issue(ctx, payerID, srv, duration)
	if errors.Is(err, invoice.ErrInvalidDuration) {
		return nil, &ValidationError{Msg: "duration is not allowed for this server", Err: err}
	}
	if err != nil {
		return nil, err
	}
	s.events.PublishType(eventbus.InvoiceIssued, srv.ID, map[string]any{
		"payer_id":   payerID,
		"duration":   duration,
		"expires_at": inv.ExpiresAt,
	})
	return inv, nil
}

// InvoiceView is what the hosted payment page shows for a token.
type InvoiceView struct {
	Token       string    `json:"token"`
	PayerID     string    `json:"payer_id"`
	ServerID    string    `json:"server_id"`
	ServerName  string    `json:"server_name"`
	PricePerDay string    `json:"price_per_day"`
	Duration    int64     `json:"duration"`
	Networks    []string  `json:"networks"` // networks the server accepts payment on
	ExpiresAt   time.Time `json:"expires_at"`
}

// Invoice returns the live invoice for token with its server summary.
func (s *Service) Invoice(ctx context.Context, token string) (*InvoiceView, error) {
	inv, err := s.opts.Invoices.Lookup(ctx, token)
	if errors.Is(err, invoice.ErrNotFound) {
		return nil, &NotFoundError{Entity: "invoice"}
	}
	if err != nil {
		return nil, err
	}
	srv, err := s.opts.Catalog.Get(ctx, inv.ServerID)
	if err != nil {
		return nil, err
	}
	if srv == nil {
		return nil, &NotFoundError{Entity: "server", ID: inv.ServerID}
	}
	view := &InvoiceView{
		Token:       inv.Token,
		PayerID:     inv.PayerID,
		ServerID:    srv.ID,
		ServerName:  srv.Name,
		PricePerDay: srv.PricePerDay,
		Duration:    inv.Duration,
		ExpiresAt:   inv.ExpiresAt,
	}
	for _, n := range s.opts.Networks.List() {
		if srv.Receivers[n.ID] != "" {
			view.Networks = append(view.Networks, n.ID)
		}
	}
	return view, nil
}

// Deliver re-sends the invite for a payer's live grant.
func (s *Service) Deliver(ctx context.Context, payerID, serverID string) (*store.AccessGrant, error) {
	if payerID == "" || serverID == "" {
		return nil, &ValidationError{Msg: "payer_id and server_id are required"}
	}
	srv, err := s.opts.Catalog.Get(ctx, serverID)
	if err != nil {
		return nil, err
	}
	if srv == nil {
		return nil, &NotFoundError{Entity: "server", ID: serverID}
	}
	g, err := s.opts.Grants.Deliver(ctx, srv, payerID)
	if errors.Is(err, grant.ErrNoLiveGrant) {
		return nil, &NotFoundError{Entity: "grant"}
	}
	return g, err
}

// Entitlement returns the payer's live grant with the latest expiry, or nil.
func (s *Service) Entitlement(ctx context.Context, serverID, payerID string) (*store.AccessGrant, error) {
	srv, err := s.opts.Catalog.Get(ctx, serverID)
	if err != nil {
		return nil, err
	}
	if srv == nil {
		return nil, &NotFoundError{Entity: "server", ID: serverID}
	}
	return s.opts.Grants.Entitlement(ctx, payerID, serverID)
}

// Wallets lists a payer's wallets with live balances.
func (s *Service) Wallets(ctx context.Context, payerID string) ([]accounts.WalletBalance, error) {
	p, err := s.opts.Accounts.Payer(ctx, payerID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, &NotFoundError{Entity: "payer", ID: payerID}
	}
	return s.opts.Accounts.Wallets(ctx, payerID)
}

// Server returns a server descriptor.
func (s *Service) Server(ctx context.Context, id string) (*store.Server, error) {
	srv, err := s.opts.Catalog.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if srv == nil {
		return nil, &NotFoundError{Entity: "server", ID: id}
	}
	return srv, nil
}

// Servers lists every server.
func (s *Service) Servers(ctx context.Context) ([]store.Server, error) {
	return s.opts.Catalog.List(ctx)
}
