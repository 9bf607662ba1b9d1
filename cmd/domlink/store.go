package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/nupi-ai/domlink/internal/config"
	"github.com/nupi-ai/domlink/internal/constants"
	"github.com/nupi-ai/domlink/internal/logbus"
	"github.com/nupi-ai/domlink/internal/logstore"
)

// attachLogStore persists bus entries to the configured archive. A store
// that cannot be opened is logged and skipped so the command still runs.
// The returned func flushes, prunes and closes.
func attachLogStore(cfg *config.Config, bus *logbus.Bus, logger *zap.Logger) func() {
	store, err := logstore.Open(logstore.Options{Path: cfg.Log.DB})
	if err != nil {
		logger.Warn("log archive disabled", zap.String("path", cfg.Log.DB), zap.Error(err))
		return func() {}
	}
	rec := store.Attach(bus, logstore.WithRecorderLogger(logger))
	return func() {
		rec.Close()
		ctx, cancel := context.WithTimeout(context.Background(), constants.Duration5Seconds)
		defer cancel()
		if removed, err := store.Prune(ctx, cfg.Log.Keep); err != nil {
			logger.Warn("failed to prune log archive", zap.Error(err))
		} else if removed > 0 {
			logger.Debug("pruned log archive", zap.Int64("removed", removed))
		}
		if err := store.Close(); err != nil {
			logger.Warn("failed to close log archive", zap.Error(err))
		}
	}
}
