// Package main provides the CLI entry point for conclaved, the Conclave
// agent gateway.
//
// Conclave connects messaging platforms (Discord, Telegram, Slack,
// WhatsApp) and a websocket control plane to LLM providers (Anthropic,
// OpenAI, AWS Bedrock) through a policy-gated, multi-tenant Agent
// Runtime Loop with sandboxed tool execution.
//
// # Basic Usage
//
// Start the gateway:
//
//	conclaved serve --config conclave.yaml
//
// Inspect the effective configuration:
//
//	conclaved status --config conclave.yaml
//
// # Environment Variables
//
// Credentials are read from the environment rather than the config
// file, so they never round-trip through disk:
//
//   - ANTHROPIC_API_KEY, ANTHROPIC_BASE_URL
//   - OPENAI_API_KEY, OPENAI_BASE_URL
//   - AWS_REGION, AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY, AWS_SESSION_TOKEN
//   - DISCORD_BOT_TOKEN
//   - TELEGRAM_BOT_TOKEN
//   - SLACK_BOT_TOKEN, SLACK_APP_TOKEN
//   - CONCLAVE_AGENT_ID (the default agent identity channel adapters address)
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main so tests can exercise the command tree directly.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "conclaved",
		Short: "Conclave agent gateway",
		Long: `Conclave connects messaging platforms to LLM providers through a
policy-gated, multi-tenant agent runtime with sandboxed tool execution.

Supported channels: Discord, Telegram, Slack, WhatsApp
Supported LLM providers: Anthropic, OpenAI, AWS Bedrock`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildStatusCmd(),
	)

	return rootCmd
}
