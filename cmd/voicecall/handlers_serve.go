package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/haasonsaas/voicecall/internal/config"
	"github.com/haasonsaas/voicecall/internal/observability"
)

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe loads configuration, starts the service and blocks until a
// shutdown signal arrives.
func runServe(ctx context.Context, configPath string, debug bool) error {
	path, err := config.ResolvePath(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	logger.Info("starting voicecall",
		"version", version,
		"commit", commit,
		"config", path,
		"debug", debug,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	svc, err := newService(ctx, cfg, path, logger, reg)
	if err != nil {
		return fmt.Errorf("failed to initialize service: %w", err)
	}
	defer svc.close()

	logger.Info("configuration loaded",
		"http_addr", cfg.Server.Addr(),
		"provider", cfg.Voice.Provider,
		"store", cfg.Store.Driver,
		"auto_respond", cfg.Responses.AutoRespond,
		"streaming", cfg.Voice.Streaming.Enabled,
	)

	if err := svc.run(ctx); err != nil {
		return err
	}
	logger.Info("voicecall stopped gracefully")
	return nil
}
