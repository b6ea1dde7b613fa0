// Package main provides the CLI entry point for the voicecall service.
//
// voicecall places and receives phone calls through a telephony provider,
// tracks every call through its lifecycle, and can hold a spoken
// conversation with the caller using an LLM responder.
//
// # Basic Usage
//
// Start the server:
//
//	voicecall serve --config voicecall.yaml
//
// Place a call through a running server:
//
//	voicecall call +15551234567 --message "Your order has shipped."
//
// # Environment Variables
//
//   - VOICECALL_CONFIG: Path to configuration file (default: voicecall.yaml)
//   - VOICECALL_API_TOKEN: Bearer token for the control API client commands
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "voicecall",
		Short: "voicecall - telephony voice call service",
		Long: `voicecall places and answers phone calls, tracks their state from
provider webhooks and media streams, and optionally replies to callers
with an LLM.

Supported providers: Twilio, mock
Supported responders: Anthropic (Claude), OpenAI (GPT), static`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildCallCmd(),
		buildSpeakCmd(),
		buildHangupCmd(),
		buildStatusCmd(),
		buildCallsCmd(),
		buildConfigCmd(),
	)

	return rootCmd
}
