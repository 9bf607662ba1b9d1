package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nupi-ai/domlink/internal/constants"
	"github.com/nupi-ai/domlink/internal/logbus"
	"github.com/nupi-ai/domlink/internal/relay"
)

func newRelayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Accept agent connections and queue commands for them over HTTP",
		Args:  cobra.NoArgs,
		RunE:  runRelay,
	}
	cmd.Flags().String("listen", "", "Bind address (overrides server.listen)")
	cmd.Flags().String("token", "", "Bearer token required from agents and clients (overrides server.token)")
	return cmd
}

// originPolicy allows the configured origins; with none configured the
// relay falls back to loopback-only.
func originPolicy(allowed []string) func(string) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(origin string) bool {
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func runRelay(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if v, _ := cmd.Flags().GetString("listen"); v != "" {
		cfg.Server.Listen = v
	}
	if v, _ := cmd.Flags().GetString("token"); v != "" {
		cfg.Server.Token = v
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := logbus.New(logbus.WithCapacity(cfg.Log.Capacity), logbus.WithLogger(logger))
	closeStore := attachLogStore(cfg, bus, logger)
	defer closeStore()

	srv := relay.NewServer(relay.Options{
		Token:         cfg.Server.Token,
		Bus:           bus,
		Logger:        logger,
		OriginAllowed: originPolicy(cfg.Server.AllowedOrigins),
	})
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go srv.Run(runCtx)

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Listen, err)
	}
	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: constants.WebSocketHandshakeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.Serve(ln)
	}()
	logger.Info("relay listening", zap.String("addr", ln.Addr().String()), zap.Bool("auth", cfg.Server.Token != ""))

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("relay server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.Duration5Seconds)
	defer cancel()
	cancelRun()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("relay shutdown incomplete", zap.Error(err))
	}
	logger.Info("relay stopped")
	return nil
}
