// Package main is the entry point for the cadence task coordinator.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cadence",
		Short: "Coordinate agent tasks, their questions and their results",
		Long: `cadence runs coding-agent tasks, relays the questions they ask to
whoever is watching (an HTTP client, a terminal or the desktop panel) and
delivers exactly one final result per task.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP("config", "c", "", "Path to config file (default: ~/.cadence/config.yaml)")
	root.PersistentFlags().String("store", "", "Path to task store file")
	root.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newRunCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version and exit",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cadence %s (%s)\n", version, commit)
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
