package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/voicecall/internal/config"
	"github.com/haasonsaas/voicecall/internal/gateway"
	"github.com/haasonsaas/voicecall/internal/voice"
)

// =============================================================================
// Call Command Handlers
// =============================================================================

func runCall(cmd *cobra.Command, flags clientFlags, to, from, message, mode string) error {
	if _, ok := voice.ParseCallMode(mode); !ok {
		return fmt.Errorf("invalid mode %q (expected conversation or notify)", mode)
	}
	client, err := resolveClient(flags)
	if err != nil {
		return err
	}
	var resp gateway.APIResponse
	err = client.postJSON(cmd.Context(), "/api/calls", gateway.InitiateRequest{
		To:      to,
		From:    from,
		Message: message,
		Mode:    mode,
	}, &resp)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Call placed: %s\n", resp.CallID)
	return nil
}

func runSpeak(cmd *cobra.Command, flags clientFlags, callID, text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("text is required")
	}
	client, err := resolveClient(flags)
	if err != nil {
		return err
	}
	path := "/api/calls/" + url.PathEscape(callID) + "/speak"
	if err := client.postJSON(cmd.Context(), path, gateway.SpeakRequest{Text: text}, nil); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Spoken.")
	return nil
}

func runHangup(cmd *cobra.Command, flags clientFlags, callID string) error {
	client, err := resolveClient(flags)
	if err != nil {
		return err
	}
	path := "/api/calls/" + url.PathEscape(callID) + "/hangup"
	if err := client.postJSON(cmd.Context(), path, nil, nil); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Call %s ended.\n", callID)
	return nil
}

func runStatus(cmd *cobra.Command, flags clientFlags, callID string, jsonOutput bool) error {
	client, err := resolveClient(flags)
	if err != nil {
		return err
	}
	var resp gateway.APIResponse
	if err := client.getJSON(cmd.Context(), "/api/calls/"+url.PathEscape(callID), &resp); err != nil {
		return err
	}
	if resp.Call == nil {
		return fmt.Errorf("call %s: empty response", callID)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(resp.Call)
	}
	printCall(out, resp.Call)
	return nil
}

func printCall(out io.Writer, record *voice.CallRecord) {
	fmt.Fprintf(out, "Call:      %s\n", record.CallID)
	if record.ProviderCallID != "" {
		fmt.Fprintf(out, "Provider:  %s (%s)\n", record.Provider, record.ProviderCallID)
	}
	fmt.Fprintf(out, "Direction: %s\n", record.Direction)
	fmt.Fprintf(out, "From:      %s\n", record.From)
	fmt.Fprintf(out, "To:        %s\n", record.To)
	fmt.Fprintf(out, "State:     %s\n", record.State)
	fmt.Fprintf(out, "Started:   %s\n", record.StartedAt.Format(time.RFC3339))
	if record.EndedAt != nil {
		fmt.Fprintf(out, "Ended:     %s (%s)\n", record.EndedAt.Format(time.RFC3339), record.EndReason)
	}
	if len(record.Transcript) == 0 {
		return
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Transcript:")
	for _, entry := range record.Transcript {
		fmt.Fprintf(out, "  [%s] %s: %s\n", entry.Timestamp.Format("15:04:05"), entry.Speaker, entry.Text)
	}
}

func runListCalls(cmd *cobra.Command, flags clientFlags) error {
	client, err := resolveClient(flags)
	if err != nil {
		return err
	}
	var resp gateway.APIResponse
	if err := client.getJSON(cmd.Context(), "/api/calls", &resp); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(resp.Calls) == 0 {
		fmt.Fprintln(out, "No active calls.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CALL ID\tDIRECTION\tSTATE\tFROM\tTO\tSTARTED")
	for _, record := range resp.Calls {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			record.CallID,
			record.Direction,
			record.State,
			record.From,
			record.To,
			record.StartedAt.Format(time.RFC3339),
		)
	}
	return w.Flush()
}

// =============================================================================
// Config Command Handlers
// =============================================================================

func runConfigValidate(cmd *cobra.Command, configPath string) error {
	path, err := config.ResolvePath(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is valid (provider %s, store %s)\n", path, cfg.Voice.Provider, cfg.Store.Driver)
	return nil
}

func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return err
}
