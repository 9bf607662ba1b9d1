package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nupi-ai/domlink/internal/agent"
	"github.com/nupi-ai/domlink/internal/commands"
	"github.com/nupi-ai/domlink/internal/config"
	"github.com/nupi-ai/domlink/internal/dom/roddom"
	"github.com/nupi-ai/domlink/internal/logbus"
	"github.com/nupi-ai/domlink/internal/targeting"
	"github.com/nupi-ai/domlink/internal/validate"
)

func newAgentCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Open a page in Chrome and execute relay commands against it",
		Args:  cobra.NoArgs,
		RunE:  runAgent,
	}
	cmd.Flags().String("url", "", "Relay WebSocket URL (overrides server.url)")
	cmd.Flags().String("token", "", "Relay bearer token (overrides server.token)")
	cmd.Flags().String("page", "", "Page to open (overrides browser.page)")
	cmd.Flags().String("remote", "", "DevTools URL of a running Chrome (overrides browser.remote_url)")
	cmd.Flags().Bool("headless", true, "Launch Chrome headless")
	cmd.Flags().String("id", "", "Agent identifier announced to the relay")
	return cmd
}

// applyAgentFlags folds command-line overrides into cfg.
func applyAgentFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if v, _ := flags.GetString("url"); v != "" {
		cfg.Server.URL = v
	}
	if v, _ := flags.GetString("token"); v != "" {
		cfg.Server.Token = v
	}
	if v, _ := flags.GetString("page"); v != "" {
		cfg.Browser.Page = v
	}
	if v, _ := flags.GetString("remote"); v != "" {
		cfg.Browser.RemoteURL = v
	}
	if flags.Changed("headless") {
		cfg.Browser.Headless, _ = flags.GetBool("headless")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Server.URL == "" {
		return errors.New("relay URL is required (--url, server.url or " + config.EnvServerURL + ")")
	}
	if cfg.Browser.Page == "" {
		return errors.New("page is required (--page or browser.page)")
	}
	return nil
}

// commandServices maps the command tuning section onto handler services.
func commandServices(cfg *config.Config) commands.Services {
	return commands.Services{
		Router:  &commands.RouterRegistry{},
		Refresh: &commands.RefreshRegistry{},
		Targeting: targeting.Request{
			Retries:  cfg.Targeting.Retries,
			Interval: cfg.Targeting.Interval,
		},
		HoverDuration:     cfg.Commands.HoverDuration,
		HighlightDuration: cfg.Commands.HighlightDuration,
		ScrollDebounce:    cfg.Commands.ScrollDebounce,
		HighlightColor:    cfg.Commands.HighlightColor,
	}
}

func runAgent(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()
	if err := applyAgentFlags(cmd, cfg); err != nil {
		return err
	}
	agentID, _ := cmd.Flags().GetString("id")
	if agentID != "" && !validate.Ident(agentID) {
		return fmt.Errorf("invalid agent id %q", agentID)
	}
	if cfg.Server.Token != "" && strings.HasPrefix(cfg.Server.URL, "ws://") && !validate.IsPrivateURL(cfg.Server.URL) {
		logger.Warn("relay token will be sent unencrypted; use wss:// for public relays", zap.String("relay", cfg.Server.URL))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := logbus.New(logbus.WithCapacity(cfg.Log.Capacity), logbus.WithLogger(logger))
	closeStore := attachLogStore(cfg, bus, logger)
	defer closeStore()

	browser := roddom.NewBrowser(roddom.BrowserConfig{
		RemoteURL: cfg.Browser.RemoteURL,
		Headless:  cfg.Browser.Headless,
		Logger:    logger,
	})
	defer func() {
		if err := browser.Close(); err != nil {
			logger.Warn("failed to close browser", zap.Error(err))
		}
	}()

	doc, err := browser.Open(ctx, cfg.Browser.Page)
	if err != nil {
		return err
	}

	services := commandServices(cfg)
	unsetRouter := services.Router.Set(roddom.NewHistoryRouter(doc))
	defer unsetRouter()

	a, err := agent.New(agent.Options{
		URL:      cfg.Server.URL,
		Token:    cfg.Server.Token,
		AgentID:  agentID,
		Delays:   cfg.Reconnect.Delays,
		Document: doc,
		Commands: services,
		Bus:      bus,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	logger.Info("agent ready",
		zap.String("agent_id", a.ID()),
		zap.String("page", cfg.Browser.Page),
		zap.String("relay", cfg.Server.URL))
	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
