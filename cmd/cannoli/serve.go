package main

import (
	"context"
	"fmt"

	"github.com/aescanero/cannoli/internal/application/orchestrator"
	"github.com/aescanero/cannoli/internal/application/workers"
	metrics "github.com/aescanero/cannoli/pkg/adapters/metrics/prometheus"
	"github.com/aescanero/cannoli/pkg/api/grpc"
	"github.com/aescanero/cannoli/pkg/api/http"
	"github.com/aescanero/cannoli/pkg/api/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC service with its worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flags)
		},
	}
}

func runServe(ctx context.Context, flags *globalFlags) error {
	cfg, err := flags.loadConfig()
	if err != nil {
		return err
	}

	logger := initLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting Cannoli",
		zap.String("version", Version),
		zap.String("build_time", BuildTime))

	comps, err := buildComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer comps.Close(logger)

	metricsCollector := metrics.NewCollector(prometheus.DefaultRegisterer)
	deps := comps.engineOptions(logger)

	validator := orchestrator.NewValidator(deps)
	orchestratorMgr := orchestrator.NewManager(
		comps.bus,
		comps.storage,
		metricsCollector,
		validator,
		logger,
		cfg.Timeouts.RunExecutionTimeout,
	)
	if err := orchestratorMgr.Start(ctx); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}

	workerPool := workers.NewPool(
		cfg.Workers.PoolSize,
		comps.bus,
		comps.storage,
		metricsCollector,
		deps,
		logger,
		cfg.Workers.HealthCheckInterval,
	)
	// A run still active at twice its timeout outlived the watchdog's cancel.
	workerPool.Health().SetStuckAfter(2 * cfg.Timeouts.RunExecutionTimeout)
	if err := workerPool.Start(); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	httpServer := http.NewServer(&http.Config{
		Addr:         cfg.GetHTTPAddr(),
		Orchestrator: orchestratorMgr,
		Pool:         workerPool,
		Logger:       logger,
	})
	wsHandler := websocket.NewHandler(comps.bus, orchestratorMgr, logger)
	httpServer.SetupWebSocket(wsHandler.HandleRunStream)

	grpcServer, err := grpc.NewServer(&grpc.Config{
		Addr:     cfg.GetGRPCAddr(),
		Checker:  workerPool.Health(),
		Interval: cfg.Workers.HealthCheckInterval,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create gRPC server: %w", err)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- httpServer.Start() }()
	go func() { errCh <- grpcServer.Start() }()

	logger.Info("Cannoli started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.Int("worker_pool_size", cfg.Workers.PoolSize))

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case serveErr = <-errCh:
		logger.Error("server failed", zap.Error(serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gRPC server shutdown error", zap.Error(err))
	}
	if err := workerPool.Shutdown(shutdownCtx); err != nil {
		logger.Error("worker pool shutdown error", zap.Error(err))
	}
	if err := orchestratorMgr.Shutdown(shutdownCtx); err != nil {
		logger.Error("orchestrator shutdown error", zap.Error(err))
	}

	logger.Info("Cannoli shut down complete")
	return serveErr
}
