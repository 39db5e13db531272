package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/rolegate/gate/internal/auth"
	"github.com/amurg-ai/rolegate/gate/internal/config"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Issue a bearer token for a payer (hmac provider only)",
		Args:  cobra.ExactArgs(1),
		RunE:  runToken,
	}
	cmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().Bool("admin", false, "issue an admin token")
	return cmd
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolveConfigPath(cmd, nil, defaultConfigPath))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Auth.Provider != "hmac" {
		return errors.New("tokens can only be issued with the hmac auth provider")
	}

	ttl, _ := cmd.Flags().GetDuration("ttl")
	role := auth.RoleUser
	if admin, _ := cmd.Flags().GetBool("admin"); admin {
		role = auth.RoleAdmin
	}

	tok, err := auth.NewHMACProvider(cfg.Auth.JWTSecret, cfg.Auth.AdminToken).Issue(args[0], role, ttl)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), tok)
	return nil
}
