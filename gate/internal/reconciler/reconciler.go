// Package reconciler periodically revokes grants whose paid time has elapsed.
package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amurg-ai/rolegate/gate/internal/eventbus"
	"github.com/amurg-ai/rolegate/gate/internal/membership"
	"github.com/amurg-ai/rolegate/gate/internal/store"
)

// Result summarizes one pass.
type Result struct {
	Scanned int  `json:"scanned"`
	Revoked int  `json:"revoked"`
	Failed  int  `json:"failed"`
	Skipped bool `json:"skipped,omitempty"` // another pass was still running
}

// Options configures a Reconciler.
type Options struct {
	Interval      time.Duration // time between passes; default 60s
	RevokeTimeout time.Duration // bound on one grant's revoke and delete; default 10s
}

// Reconciler sweeps expired grants. Passes never overlap: a tick that fires
// while a pass is running is skipped.
type Reconciler struct {
	store    store.Store
	provider membership.Provider
	events   eventbus.Publisher
	logger   *slog.Logger
	opts     Options
	now      func() time.Time

	running sync.Mutex
	passes  sync.WaitGroup // the Start loop and its in-flight passes
}

// New creates a Reconciler.
func New(s store.Store, provider membership.Provider, events eventbus.Publisher, logger *slog.Logger, opts Options) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}
	if opts.RevokeTimeout <= 0 {
		opts.RevokeTimeout = 10 * time.Second
	}
	if events == nil {
		events = eventbus.Discard
	}
	return &Reconciler{
		store:    s,
		provider: provider,
		events:   events,
		logger:   logger.With("component", "reconciler"),
		opts:     opts,
		now:      time.Now,
	}
}

// Start runs a pass every interval until ctx is canceled. Wait blocks until
// the loop and any pass it started have returned.
func (r *Reconciler) Start(ctx context.Context) {
	r.passes.Add(1)
	go func() {
		defer r.passes.Done()
		ticker := time.NewTicker(r.opts.Interval)
		defer ticker.Stop()
		r.logger.Info("reconciler started", "interval", r.opts.Interval)
		for {
			select {
			case <-ctx.Done():
				r.logger.Info("reconciler stopped")
				return
			case <-ticker.C:
				r.passes.Add(1)
				go func() {
					defer r.passes.Done()
					r.tick(ctx)
				}()
			}
		}
	}()
}

// Wait blocks until everything started by Start has finished.
func (r *Reconciler) Wait() {
	r.passes.Wait()
}

func (r *Reconciler) tick(ctx context.Context) {
	res, err := r.RunOnce(ctx)
	switch {
	case err != nil:
		r.logger.Warn("reconciliation pass failed", "error", err)
	case res.Skipped:
		r.logger.Debug("reconciliation pass skipped, previous pass still running")
	case res.Scanned > 0:
		r.logger.Info("reconciliation pass complete", "scanned", res.Scanned, "revoked", res.Revoked, "failed", res.Failed)
	}
}

// RunOnce performs a single pass. A failure on one grant is logged and the
// pass moves on; that grant is retried on the next pass. An error is returned
// only when the expired grants cannot be listed.
func (r *Reconciler) RunOnce(ctx context.Context) (Result, error) {
	if !r.running.TryLock() {
		return Result{Skipped: true}, nil
	}
	defer r.running.Unlock()

	grants, err := r.store.ListExpiredGrants(ctx, r.now())
	if err != nil {
		return Result{}, fmt.Errorf("list expired grants: %w", err)
	}

	res := Result{Scanned: len(grants)}
	for i := range grants {
		if ctx.Err() != nil {
			break
		}
		g := &grants[i]
		if err := r.revoke(ctx, g); err != nil {
			res.Failed++
			r.logger.Warn("revoke failed",
				"grant_id", g.ID,
				"server_id", g.ServerID,
				"payer_id", g.PayerID,
				"error", err,
			)
			r.events.PublishType(eventbus.GrantRevokeFailed, g.ServerID, map[string]string{
				"grant_id": g.ID,
				"payer_id": g.PayerID,
				"error":    err.Error(),
			})
			continue
		}
		res.Revoked++
	}
	return res, nil
}

func (r *Reconciler) revoke(ctx context.Context, g *store.AccessGrant) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.RevokeTimeout)
	defer cancel()

	m, err := r.provider.GetMembership(ctx, g.ServerID, g.PayerID)
	if err != nil {
		return fmt.Errorf("get membership: %w", err)
	}
	if m != nil {
		if err := r.provider.RevokeMembership(ctx, g.ServerID, g.PayerID); err != nil {
			return fmt.Errorf("revoke membership: %w", err)
		}
	}
	if err := r.store.DeleteGrant(ctx, g.ID); err != nil {
		return fmt.Errorf("delete grant: %w", err)
	}

	detail, _ := json.Marshal(map[string]any{"grant_id": g.ID, "expired_at": g.ExpiresAt, "was_member": m != nil})
	if err := r.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID:        uuid.New().String(),
		Action:    "grant.revoked",
		PayerID:   g.PayerID,
		ServerID:  g.ServerID,
		Detail:    detail,
		CreatedAt: r.now(),
	}); err != nil {
		r.logger.Warn("audit log failed", "action", "grant.revoked", "error", err)
	}
	r.events.PublishType(eventbus.GrantRevoked, g.ServerID, map[string]string{"grant_id": g.ID, "payer_id": g.PayerID})
	r.logger.Info("grant revoked", "grant_id", g.ID, "server_id", g.ServerID, "payer_id", g.PayerID)
	return nil
}
