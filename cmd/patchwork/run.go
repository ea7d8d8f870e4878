package main

import (
	"context"

	"github.com/aretw0/patchwork/internal/cli"
	"github.com/spf13/cobra"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run script...",
	Short: "Interpret script files in order",
	Long: `Launches the configured agent, then interprets each script file in turn and writes the
output to stdout. The first failure stops the run; later files are not read.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runScripts,
}

func runScripts(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	opts := cli.RunOptions{Files: args, Stdout: cmd.OutOrStdout()}
	opts.ConfigPath, _ = flags.GetString("config")
	opts.LogLevel, _ = flags.GetString("log-level")
	opts.LogFormat, _ = flags.GetString("log-format")
	opts.MetricsAddr, _ = flags.GetString("metrics-addr")
	opts.Cwd, _ = flags.GetString("cwd")
	opts.Render, _ = flags.GetBool("render")

	ctx := cli.NewSignalContext(context.Background())
	defer ctx.Cancel()

	return ctx.Wrap(cli.Execute(ctx, opts))
}

func init() {
	rootCmd.AddCommand(runCmd)

	for _, c := range []*cobra.Command{rootCmd, runCmd} {
		c.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9464)")
		c.Flags().String("cwd", "", "Working directory announced to the agent (default: current directory)")
		c.Flags().Bool("render", false, "Render agent text as markdown when stdout is a terminal")
	}

	// 'run' is the default when no subcommand is given.
	rootCmd.Args = cobra.ArbitraryArgs
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return cmd.Help()
		}
		return runScripts(cmd, args)
	}
}
