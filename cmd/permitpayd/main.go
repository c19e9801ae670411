// Command permitpayd runs a settlement engine behind an authenticated HTTP API
// and an MCP endpoint.
//
// Configuration is read from PERMITPAY_* environment variables; at minimum
// PERMITPAY_ENGINE_ADDRESS and PERMITPAY_OWNER must be set.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}
	if cfg.AuthKey == "" {
		d.logDevTokens()
	}

	logger.Info("permitpayd starting",
		"version", version,
		"network", cfg.Network,
		"engine", d.engine.Address().Hex(),
		"ledger", cfg.Ledger,
		"schema", d.engine.Schema().String(),
	)
	if err := d.Run(ctx); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
