package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nupi-ai/domlink/internal/config"
	"github.com/nupi-ai/domlink/internal/protocol"
	"github.com/nupi-ai/domlink/internal/relay"
	"github.com/nupi-ai/domlink/internal/version"
)

func newSendCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <command>",
		Short: "Queue a command on the relay for every connected agent",
		Example: `  domlink send click --element submit
  domlink send fill --element email --value user@example.com --wait 5s
  domlink send navigate --value /settings
  domlink send scroll --selector "#footer" --set behavior=instant`,
		Args: cobra.ExactArgs(1),
		RunE: runSend,
	}
	addRelayFlags(cmd)
	cmd.Flags().String("element", "", "Target element id (data-element-id)")
	cmd.Flags().String("selector", "", "CSS selector used when the element id does not resolve")
	cmd.Flags().String("value", "", "Value for fill, select and navigate")
	cmd.Flags().String("payload", "", "Raw JSON object merged into the payload")
	cmd.Flags().StringToString("set", nil, "Extra payload key=value pairs")
	cmd.Flags().Duration("wait", 0, "Wait up to this long for the first result")
	return cmd
}

func newAgentsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List agents connected to the relay",
		Args:  cobra.NoArgs,
		RunE:  runAgents,
	}
	addRelayFlags(cmd)
	return cmd
}

func addRelayFlags(cmd *cobra.Command) {
	cmd.Flags().String("relay", "", "Relay HTTP base URL (default derived from server.listen)")
	cmd.Flags().String("token", "", "Relay bearer token (overrides server.token)")
}

// relayBaseURL resolves the HTTP address of the relay from --relay or the
// configured listen address.
func relayBaseURL(cmd *cobra.Command, cfg *config.Config) string {
	if v, _ := cmd.Flags().GetString("relay"); v != "" {
		return strings.TrimRight(v, "/")
	}
	listen := cfg.Server.Listen
	if strings.HasPrefix(listen, ":") {
		listen = "127.0.0.1" + listen
	}
	return "http://" + listen
}

func relayClient(cmd *cobra.Command, cfg *config.Config) *relay.Client {
	token := cfg.Server.Token
	if v, _ := cmd.Flags().GetString("token"); v != "" {
		token = v
	}
	return relay.NewClient(relayBaseURL(cmd, cfg), token)
}

// buildPayload assembles the command payload from flags.
func buildPayload(cmd *cobra.Command, command string) (protocol.CommandPayload, error) {
	flags := cmd.Flags()
	p := protocol.CommandPayload{Command: strings.TrimSpace(command)}
	if p.Command == "" {
		return p, errors.New("command must not be empty")
	}
	p.ElementID, _ = flags.GetString("element")

	payload := map[string]any{}
	if raw, _ := flags.GetString("payload"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return p, fmt.Errorf("--payload must be a JSON object: %w", err)
		}
	}
	if v, _ := flags.GetString("selector"); v != "" {
		payload["selector"] = v
	}
	if flags.Changed("value") {
		payload["value"], _ = flags.GetString("value")
	}
	set, _ := flags.GetStringToString("set")
	for k, v := range set {
		payload[k] = v
	}
	if len(payload) > 0 {
		p.Payload = payload
	}
	return p, nil
}

func runSend(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	payload, err := buildPayload(cmd, args[0])
	if err != nil {
		return err
	}

	client := relayClient(cmd, cfg)
	resp, err := client.Send(cmd.Context(), payload)
	if err != nil {
		return err
	}

	wait, _ := cmd.Flags().GetDuration("wait")
	if wait <= 0 {
		if out.jsonMode {
			return out.Print(cmd, resp)
		}
		return out.Print(cmd, fmt.Sprintf("Queued %s as %s for %d agent(s)", payload.Command, resp.RequestID, resp.Agents))
	}

	res, err := client.Result(cmd.Context(), resp.RequestID, wait)
	if errors.Is(err, relay.ErrNoResult) {
		return fmt.Errorf("no result for %s within %s", resp.RequestID, wait)
	}
	if err != nil {
		return err
	}
	if out.jsonMode {
		return out.Print(cmd, res)
	}
	line := fmt.Sprintf("[%s] %s", res.Status, res.Details)
	for _, w := range res.Warnings {
		line += fmt.Sprintf("\n  warning: %s (element=%q selector=%q)", w.Reason, w.ElementID, w.Selector)
	}
	if err := out.Print(cmd, line); err != nil {
		return err
	}
	if res.Status == protocol.StatusError {
		return fmt.Errorf("command %s failed", payload.Command)
	}
	return nil
}

func runAgents(cmd *cobra.Command, _ []string) error {
	out := newOutputFormatter(cmd)
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	agents, err := relayClient(cmd, cfg).Agents(cmd.Context())
	if err != nil {
		return err
	}
	if out.jsonMode {
		return out.Print(cmd, agents)
	}
	if len(agents) == 0 {
		return out.Print(cmd, "No agents connected")
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tVERSION\tCONNECTED")
	for _, a := range agents {
		id := a.AgentID
		if id == "" {
			id = "(anonymous)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", id, version.FormatVersion(a.Version), a.ConnectedAt.Format(time.RFC3339))
	}
	return w.Flush()
}
