package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nupi-ai/domlink/internal/constants"
	"github.com/nupi-ai/domlink/internal/version"
)

func newVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show client and relay versions",
		Args:  cobra.NoArgs,
		RunE:  runVersion,
	}
	addRelayFlags(cmd)
	return cmd
}

func runVersion(cmd *cobra.Command, _ []string) error {
	out := newOutputFormatter(cmd)
	clientVersion := version.String()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), constants.Duration3Seconds)
	defer cancel()
	health, relayErr := relayClient(cmd, cfg).Health(ctx)

	if out.jsonMode {
		data := map[string]any{"client": clientVersion}
		if relayErr == nil {
			data["relay"] = health.Version
			data["mismatch"] = !version.Compatible(health.Version)
		} else {
			data["relay"] = nil
			data["relay_error"] = relayErr.Error()
		}
		return out.Print(cmd, data)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Client: %s\n", version.FormatVersion(clientVersion))
	if relayErr != nil {
		fmt.Fprintf(w, "Relay: unavailable (%v)\n", relayErr)
		return nil
	}
	fmt.Fprintf(w, "Relay: %s (%d agent(s))\n", version.FormatVersion(health.Version), health.Agents)
	if !version.Compatible(health.Version) {
		fmt.Fprintln(w, "Warning: client and relay versions differ")
	}
	return nil
}
