package cmd

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// NewRootCmd creates the root cobra command for rolegate.
// When invoked without a subcommand, it delegates to "run".
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "rolegate",
		Short: "Rolegate - paid, time-bounded community access",
		Long:  "Rolegate sells time-bounded access to chat communities for x402 stablecoin payments and revokes it on expiry.",
		// Bare invocation (no subcommand) behaves as "run".
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newVersionCmd())
	root.AddCommand(newServersCmd())
	root.AddCommand(newGrantsCmd())
	root.AddCommand(newSweepCmd())
	root.AddCommand(newTokenCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file")

	return root
}
