package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/pilotd/pilot/internal/config"
	"github.com/pilotd/pilot/internal/engine"
	"github.com/pilotd/pilot/internal/memory"
	"github.com/pilotd/pilot/internal/observability"
	"github.com/pilotd/pilot/internal/provider"
	"github.com/pilotd/pilot/internal/services"
	"github.com/pilotd/pilot/internal/session"
	"github.com/pilotd/pilot/internal/web"

	mcpkg "github.com/pilotd/pilot/internal/mcp"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agent runtime HTTP server",
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(serve(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("PILOT_CONFIG"), "path to configuration file")
	return cmd
}

// serve runs the server and returns the process exit code: 0 on clean
// shutdown, 1 on initialization failure, 2 on unrecoverable runtime
// failure.
func serve(configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error: load config:", err)
		return exitInit
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	maintenance, err := memory.NewMaintenance(cfg.Memory.MaintenanceSchedule, logger)
	if err != nil {
		logger.Error("invalid memory maintenance schedule", "error", err)
		return exitInit
	}

	// Registries are populated and frozen before traffic is accepted.
	providers := provider.DefaultRegistry()
	serviceTypes := services.DefaultRegistry()

	poolConfig := mcpkg.DefaultPoolConfig()
	poolConfig.StartupTimeout = cfg.Pool.StartupTimeout
	poolConfig.CallTimeout = cfg.Pool.CallTimeout
	poolConfig.ShutdownGrace = cfg.Pool.ShutdownGrace
	poolConfig.ReconnectAttempts = cfg.Pool.ReconnectAttempts

	sessions, err := session.NewManager(session.Options{
		Root:        cfg.Sessions.Root,
		Providers:   providers,
		Services:    serviceTypes,
		PoolConfig:  poolConfig,
		Sandbox:     cfg.Sandbox,
		MemoryCap:   cfg.Memory.MaxRecords,
		Maintenance: maintenance,
		OnReconnect: func(server string, recovered bool) {
			result := "exhausted"
			if recovered {
				result = "success"
			}
			metrics.ServerReconnects.WithLabelValues(server, result).Inc()
		},
		Logger: logger,
	})
	if err != nil {
		logger.Error("failed to create session manager", "error", err)
		return exitInit
	}
	sessions.OnSessionCount = func(count int) {
		metrics.ActiveSessions.Set(float64(count))
	}

	eng := engine.New(engine.Config{
		DefaultMaxIterations: cfg.Engine.DefaultMaxIterations,
		MaxConcurrentTurns:   cfg.Engine.MaxConcurrentTurns,
	}, logger, metrics)

	server := web.NewServer(cfg.Server, sessions, eng, logger, metrics)

	maintenance.Start()

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	exit := exitOK
	select {
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			logger.Error("http server failed", "error", err)
			exit = exitRuntime
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
		exit = exitRuntime
	}
	maintenance.Stop()
	sessions.Shutdown()

	logger.Info("shutdown complete")
	return exit
}
