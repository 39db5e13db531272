package cmd

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

func newGrantsCmd() *cobra.Command {
	grantsCmd := &cobra.Command{
		Use:   "grants",
		Short: "Inspect access grants",
		RunE:  runGrantsList, // default subcommand
	}
	grantsCmd.PersistentFlags().String("server", "", "only show grants for this server")
	grantsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List access grants",
		RunE:  runGrantsList,
	})
	return grantsCmd
}

func runGrantsList(cmd *cobra.Command, args []string) error {
	_, s, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	serverID, _ := cmd.Flags().GetString("server")
	grants, err := s.ListGrants(cmd.Context(), serverID)
	if err != nil {
		return fmt.Errorf("list grants: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(grants) == 0 {
		_, _ = fmt.Fprintln(out, "No grants.")
		return nil
	}

	now := time.Now()
	rows := make([][]string, 0, len(grants))
	live := make([]bool, 0, len(grants))
	for _, g := range grants {
		status := "expired"
		if g.ExpiresAt.After(now) {
			status = "live"
		}
		live = append(live, status == "live")
		rows = append(rows, []string{
			g.ServerID,
			g.PayerID,
			g.NetworkID,
			g.ExpiresAt.UTC().Format(time.RFC3339),
			status,
		})
	}
	renderTable(out, []string{"SERVER", "PAYER", "NETWORK", "EXPIRES", "STATUS"}, rows, func(row, col int) (lipgloss.Style, bool) {
		if col != 4 {
			return cellStyle, false
		}
		if live[row] {
			return liveStyle, true
		}
		return staleStyle, true
	})
	return nil
}
