package cmd

import (
	"github.com/spf13/cobra"

	"github.com/amurg-ai/rolegate/gate/internal/wizard"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard to generate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			return wizard.New(prompter(cmd)).Run(output)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./rolegate.json)")
	return cmd
}
