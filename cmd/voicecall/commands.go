package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that runs the call service.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the voice call server",
		Long: `Start the voice call server.

The server will:
1. Load configuration from the specified file (or voicecall.yaml)
2. Open the call store
3. Connect the telephony provider, responder and transcriber
4. Serve provider webhooks, the media stream and the control API
5. Run the eviction sweep on its schedule and watch the config file

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  voicecall serve

  # Start with custom config
  voicecall serve --config /etc/voicecall/production.yaml

  # Start with debug logging
  voicecall serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// =============================================================================
// Call Commands
// =============================================================================

// clientFlags locate a running server's control API.
type clientFlags struct {
	configPath string
	serverAddr string
	token      string
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&f.serverAddr, "server", "", "Server address (default from config)")
	cmd.Flags().StringVar(&f.token, "token", "", "Control API token (default from config or VOICECALL_API_TOKEN)")
}

func buildCallCmd() *cobra.Command {
	var (
		flags   clientFlags
		from    string
		message string
		mode    string
	)
	cmd := &cobra.Command{
		Use:   "call <to>",
		Short: "Place an outbound call",
		Example: `  voicecall call +15551234567 --message "Your table is ready."
  voicecall call +15551234567 --message "Reminder: dentist at 3pm." --mode notify`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(cmd, flags, args[0], from, message, mode)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&from, "from", "", "Caller id (default voice.from_number)")
	cmd.Flags().StringVarP(&message, "message", "m", "", "Message spoken when the call connects")
	cmd.Flags().StringVar(&mode, "mode", "conversation", "Call mode: conversation or notify")
	return cmd
}

func buildSpeakCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "speak <call-id> <text>",
		Short: "Speak text on a connected call",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSpeak(cmd, flags, args[0], args[1])
		},
	}
	flags.register(cmd)
	return cmd
}

func buildHangupCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "hangup <call-id>",
		Short: "End a call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHangup(cmd, flags, args[0])
		},
	}
	flags.register(cmd)
	return cmd
}

func buildStatusCmd() *cobra.Command {
	var (
		flags      clientFlags
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "status <call-id>",
		Short: "Show a call's state and transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, flags, args[0], jsonOutput)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the raw call record")
	return cmd
}

func buildCallsCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "calls",
		Short: "List active calls",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListCalls(cmd, flags)
		},
	}
	flags.register(cmd)
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(buildConfigValidateCmd(), buildConfigSchemaCmd())
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}
}
