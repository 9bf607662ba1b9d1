package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/nupi-ai/domlink/internal/prompt"
)

func newPromptCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prompt",
		Short: "Ask the prompt service for a prompt about an element",
		Example: `  domlink prompt --meta elementId=checkout --meta tag=button
  domlink prompt --url https://prompts.internal/generate --context page=/cart`,
		Args: cobra.NoArgs,
		RunE: runPrompt,
	}
	cmd.Flags().String("url", "", "Prompt endpoint (overrides prompt.url)")
	cmd.Flags().String("token", "", "Prompt endpoint bearer token (overrides prompt.token)")
	cmd.Flags().StringToString("meta", nil, "Element metadata key=value pairs")
	cmd.Flags().StringToString("context", nil, "Extra context key=value pairs")
	return cmd
}

func toAnyMap(in map[string]string) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func runPrompt(cmd *cobra.Command, _ []string) error {
	out := newOutputFormatter(cmd)
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	flags := cmd.Flags()
	endpoint := cfg.Prompt.URL
	if v, _ := flags.GetString("url"); v != "" {
		endpoint = v
	}
	if endpoint == "" {
		return errors.New("prompt endpoint is required (--url or prompt.url)")
	}
	token := cfg.Prompt.Token
	if v, _ := flags.GetString("token"); v != "" {
		token = v
	}
	meta, _ := flags.GetStringToString("meta")
	extra, _ := flags.GetStringToString("context")

	client := prompt.New(endpoint,
		prompt.WithToken(token),
		prompt.WithTimeout(cfg.Prompt.Timeout),
		prompt.WithLogger(logger),
	)
	resp, err := client.Generate(cmd.Context(), prompt.Request{
		Metadata: toAnyMap(meta),
		Context:  toAnyMap(extra),
	})
	if err != nil {
		return err
	}
	if out.jsonMode {
		return out.Print(cmd, map[string]any{
			"requestId": resp.RequestID,
			"prompt":    resp.Prompt,
			"timestamp": resp.Timestamp,
			"metadata":  resp.Metadata,
		})
	}
	return out.Print(cmd, resp.Prompt)
}
