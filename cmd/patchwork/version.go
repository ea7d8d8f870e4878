package main

import (
	"fmt"

	"github.com/aretw0/patchwork"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of patchwork",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "patchwork version %s\n", patchwork.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
