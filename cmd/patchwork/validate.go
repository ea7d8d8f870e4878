package main

import (
	"github.com/aretw0/patchwork/internal/cli"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate script...",
	Short: "Check that script files parse",
	Long:  `Parses each script and reports its structure without launching the agent.`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return cli.Validate(cmd.OutOrStdout(), args)
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
