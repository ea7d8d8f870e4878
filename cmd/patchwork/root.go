package main

import (
	"os"

	"github.com/aretw0/patchwork/internal/cli"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "patchwork [flags] script...",
	Short: "Patchwork interprets scripts that delegate steps to a coding agent",
	Long: `Patchwork runs each script file in order. Think nodes are handed to an ACP agent,
which can call back into the script through the "do" tool to evaluate numbered subroutines.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		cli.PrintError(os.Stderr, err)
		os.Exit(cli.ExitCode(err))
	}
}

func init() {
	// Persistent flags (available to all commands)
	rootCmd.PersistentFlags().String("config", "", "Configuration file (default ./patchwork.yaml if present)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: text or json")
}
