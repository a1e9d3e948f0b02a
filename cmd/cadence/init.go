package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/sevir/cadence/internal/config"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			force, _ := cmd.Flags().GetBool("force")

			target := path
			if target == "" {
				target = filepath.Join(config.Dir(), "config.yaml")
			}
			if _, err := os.Stat(target); err == nil && !force {
				return fmt.Errorf("config %s already exists (use --force to overwrite)", target)
			}

			if err := config.DefaultConfig().Save(target); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration initialized at %s\n", target)
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "Overwrite an existing config file")
	return cmd
}
