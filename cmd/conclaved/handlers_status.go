package main

import (
	"fmt"
	"log/slog"

	"github.com/conclave-run/conclave/internal/config"
	"github.com/spf13/cobra"
)

// runStatus loads configuration, wires every component exactly as serve
// would, and reports what it found -- a dry run an operator can use to
// confirm credentials and config before committing to "serve".
func runStatus(cmd *cobra.Command, configPath string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	cfg, err := config.Load(config.LoadOptions{WorkspaceConfigPath: configPath})
	if err != nil {
		return fmt.Errorf("conclaved: load config: %w", err)
	}

	a, err := buildApp(ctx, cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("conclaved: wire components: %w", err)
	}
	defer a.auditLogger.Close()

	fmt.Fprintf(out, "gateway_bind:         %s\n", cfg.GatewayBind)
	fmt.Fprintf(out, "data_root:            %s\n", cfg.DataRoot)
	fmt.Fprintf(out, "default_llm_provider: %s\n", cfg.DefaultLLMProvider)
	fmt.Fprintf(out, "sandbox_enabled:      %v\n", cfg.SandboxEnabled)
	fmt.Fprintf(out, "channel adapters configured: %d\n", len(a.inbound))
	for _, t := range a.inbound {
		fmt.Fprintf(out, "  - %s\n", t.Kind())
	}
	fmt.Fprintf(out, "tenants on record: %d\n", len(a.tenants.List(ctx)))

	return nil
}
