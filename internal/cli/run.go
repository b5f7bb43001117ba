package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/symphainy/gateway/internal/auth"
	"github.com/symphainy/gateway/internal/config"
	"github.com/symphainy/gateway/internal/gateway"
	"github.com/symphainy/gateway/internal/registry"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [config-file]",
		Short: "Start the gateway (default when no subcommand is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, args, "gateway-config.json")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error: %w", err)
	}

	logger := newLogger(cfg.Logging)

	validator, err := auth.NewValidator(cfg.Auth)
	if err != nil {
		logger.Error("failed to initialize session validator", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := registry.New(ctx, cfg.Registry)
	if err != nil {
		logger.Error("failed to initialize registry", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	g := gateway.New(validator, store, store, logger, gateway.Options{
		InstanceID:          cfg.Server.InstanceID,
		AllowedOrigins:      cfg.Server.AllowedOrigins,
		MaxMessageBytes:     cfg.Server.MaxMessageBytes,
		MaxConnsPerIdentity: cfg.Server.MaxConnsPerIdentity,
		QueueCapacity:       cfg.Queue.Capacity,
		BreakerThreshold:    cfg.Queue.BreakerThreshold,
		BreakerCooldown:     cfg.Queue.BreakerCooldown.Duration,
		BreakerMaxBackoff:   cfg.Queue.BreakerMaxBackoff.Duration,
		HeartbeatInterval:   cfg.Heartbeat.Interval.Duration,
		HeartbeatTimeout:    cfg.Heartbeat.Timeout.Duration,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	logger.Info("symphainy gateway starting",
		"version", version, "config", configPath,
		"instance", g.InstanceID(), "registry", cfg.Registry.Driver, "auth", validator.Name())

	err = g.Run(ctx, gateway.ServerConfig{
		Addr:    cfg.Server.Addr,
		TLSCert: cfg.Server.TLSCert,
		TLSKey:  cfg.Server.TLSKey,
	})
	if err != nil && err != context.Canceled {
		logger.Error("gateway error", "error", err)
		os.Exit(1)
	}

	logger.Info("gateway stopped")
	return nil
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: logLevel}
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
