package main

import (
	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that starts the gateway.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Conclave gateway",
		Long: `Start the Conclave gateway with all configured channels and providers.

The server will:
1. Load configuration from the specified file (or built-in defaults)
2. Open the Storage Port under data_root
3. Start every channel adapter whose credentials are present in the environment
4. Start the scheduler's tick loop
5. Serve the websocket control plane on gateway_bind

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with default config
  conclaved serve

  # Start with a workspace config file
  conclaved serve --config /etc/conclave/conclave.yaml

  # Start with debug logging
  conclaved serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}
