package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/rolegate/gate/internal/eventbus"
	"github.com/amurg-ai/rolegate/gate/internal/gate"
	"github.com/amurg-ai/rolegate/gate/internal/reconciler"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Revoke every expired grant once and exit",
		RunE:  runSweep,
	}
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, s, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	logger := newLogger(cfg.Logging, cmd.ErrOrStderr(), nil).With("component", "sweep")
	provider, err := gate.NewMembership(cfg.Telegram, logger)
	if err != nil {
		return fmt.Errorf("membership provider: %w", err)
	}

	rec := reconciler.New(s, provider, eventbus.Discard, logger, reconciler.Options{
		Interval:      cfg.Reconciler.Interval.Duration,
		RevokeTimeout: cfg.Reconciler.RevokeTimeout.Duration,
	})
	res, err := rec.RunOnce(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Scanned: %d\n", res.Scanned)
	_, _ = fmt.Fprintf(out, "Revoked: %d\n", res.Revoked)
	_, _ = fmt.Fprintf(out, "Failed:  %d\n", res.Failed)
	if res.Failed > 0 {
		logger.Warn("some grants could not be revoked; they are retried on the next sweep", "failed", res.Failed)
	}
	return nil
}
