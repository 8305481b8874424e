package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentworkforce/shellvault/internal/config"
	"github.com/agentworkforce/shellvault/internal/metrics"
	"github.com/agentworkforce/shellvault/internal/store"
)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "shellvault",
		Short:         "Storage backend for the multi-device shell history sync server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "path to the yaml configuration file")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newDefaultConfigCmd())
	return root
}

func defaultConfigPath() string {
	if path := os.Getenv("SHELLVAULT_CONFIG"); path != "" {
		return path
	}
	return "shellvault.yaml"
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Open the storage backend and serve until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger, err := initLogger(cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("initialize logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func newDefaultConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "default-config",
		Short: "Print the example configuration",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprint(cmd.OutOrStdout(), config.Example())
		},
	}
}

func initLogger(level string) (*zap.Logger, error) {
	parsed, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = parsed
	return zcfg.Build()
}

// serve opens the backend selected by the database URI scheme, optionally
// exposes the metrics listener, and blocks until a shutdown signal arrives.
// An unrecognized scheme is a fatal configuration error.
func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	backend, err := store.Open(ctx, cfg.Database.URI, store.Options{
		Logger:          logger,
		Metrics:         m,
		MaxConnections:  cfg.Database.MaxConnections,
		MaxIdle:         cfg.Database.MaxIdle,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	})
	if err != nil {
		return fmt.Errorf("open storage backend: %w", err)
	}
	logger.Info("storage backend ready",
		zap.String("engine", backend.Name()),
		zap.Int("max_connections", cfg.Database.MaxConnections))

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Metrics.Host, cfg.Metrics.Port),
			Handler: mux,
		}
		go func() {
			logger.Info("metrics listener started", zap.String("addr", metricsServer.Addr))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics listener failed", zap.Error(err))
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("shutting down", zap.String("reason", ctx.Err().Error()))
	}

	if metricsServer != nil {
		_ = metricsServer.Close()
	}
	if err := backend.Close(); err != nil {
		return fmt.Errorf("close storage backend: %w", err)
	}
	return nil
}
