package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/agent/providers"
	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/internal/mcp"
	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/internal/server"
)

func buildServeCmd() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the host",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.ResolvePath(configPath)
			cfg, err := config.Load(path)
			if err != nil {
				return &configError{err: err}
			}
			if debug {
				cfg.Logging.Level = "debug"
			}
			return runServe(cmd.Context(), cfg, path)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Config file path (default: $SWITCHBOARD_CONFIG or switchboard.yaml)")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, configPath string) error {
	logger, closeLogs, err := observability.NewLogger(observability.LogConfig{
		Level: cfg.Logging.Level,
		Dir:   cfg.Logging.Dir,
	})
	if err != nil {
		return &configError{err: err}
	}
	defer closeLogs()
	slog.SetDefault(logger)

	logger.Info("starting switchboard", "version", version, "commit", commit)

	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics()
	}
	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceVersion: version,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown", "error", err)
		}
	}()

	provider, err := buildProvider(ctx, cfg)
	if err != nil {
		return &configError{err: err}
	}

	serverConfigs := make([]*mcp.ServerConfig, 0, len(cfg.MCPServers))
	for i := range cfg.MCPServers {
		serverConfigs = append(serverConfigs, &cfg.MCPServers[i])
	}
	manager := mcp.NewManager(&mcp.Config{Servers: serverConfigs}, logger)
	manager.SetSamplingHandler(agent.SamplingBridge(provider))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("start MCP servers: %w", err)
	}
	defer manager.Shutdown()

	sweeper := mcp.NewHealthSweeper(manager, mcp.HealthConfig{
		Interval:           cfg.Health.Interval.Std(),
		RestartEnabled:     cfg.Health.Restart.Enabled,
		RestartMaxAttempts: cfg.Health.Restart.MaxAttempts,
	}, logger)
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("start health sweeper: %w", err)
	}
	defer sweeper.Stop()

	httpServer := server.New(server.Config{
		Addr: cfg.Server.Addr(),
		Loop: agent.Options{
			MaxIterations:  cfg.Loop.MaxIterations,
			HistoryWindow:  cfg.Loop.HistoryWindow,
			LLMMaxAttempts: cfg.Loop.LLMMaxAttempts,
		},
		ToolTimeout:    cfg.Loop.ToolTimeout.Std(),
		MetricsEnabled: cfg.Observability.MetricsEnabled,
	}, manager, provider, metrics, tracer, logger)
	if err := httpServer.Start(); err != nil {
		return err
	}

	if cfg.Watch {
		watcher := config.NewWatcher(configPath, cfg, func(ctx context.Context, toggles []config.ServerToggle) {
			applyToggles(ctx, manager, toggles, logger)
		}, logger)
		go func() {
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("config watcher stopped", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return nil
}

func buildProvider(ctx context.Context, cfg *config.Config) (agent.Provider, error) {
	name := cfg.LLM.DefaultProvider
	providerCfg := cfg.LLM.Providers[name]
	return providers.New(ctx, name, providers.Settings{
		APIKey:       providerCfg.APIKey,
		BaseURL:      providerCfg.BaseURL,
		DefaultModel: providerCfg.DefaultModel,
	})
}

func applyToggles(ctx context.Context, manager *mcp.Manager, toggles []config.ServerToggle, logger *slog.Logger) {
	for _, toggle := range toggles {
		cfg := toggle.Config
		if toggle.Enable {
			if err := manager.ConnectServer(ctx, &cfg); err != nil {
				logger.Error("connect toggled server", "server", cfg.Name, "error", err)
			}
			continue
		}
		if err := manager.DisconnectServer(cfg.Name); err != nil {
			logger.Error("disconnect toggled server", "server", cfg.Name, "error", err)
		}
	}
}
