package main

import (
	"github.com/spf13/cobra"
)

// buildStatusCmd creates the "status" command: it loads and wires the
// configuration the same way serve does, then reports what it found,
// without opening the gateway listener or starting any channel adapter.
func buildStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Validate configuration and report what would start",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}
