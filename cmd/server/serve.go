package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mohammadhprp/admission/internal/config"
	"github.com/mohammadhprp/admission/internal/service"
	"github.com/mohammadhprp/admission/internal/transaction"
	"github.com/mohammadhprp/admission/internal/transport"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC admission servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			logger, err := config.InitLogger(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	logger.Info("Starting admission server",
		zap.String("version", version),
		zap.String("address", cfg.ServerAddr()),
		zap.String("grpc_address", cfg.GRPCAddr()),
		zap.String("store", cfg.Store.Backend),
	)

	store, err := config.NewStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize %s store: %w", cfg.Store.Backend, err)
	}
	defer store.Close()

	if cfg.Store.Backend == config.StoreBackendRedis {
		logger.Info("Connected to Redis", zap.String("address", cfg.RedisAddr()))
	}

	limits, err := config.LoadLimits(cfg.Limits.File, cfg.Limits.Debounce, logger)
	if err != nil {
		return fmt.Errorf("failed to load limits: %w", err)
	}
	go func() {
		if err := limits.Watch(ctx); err != nil {
			logger.Error("limits watcher stopped", zap.Error(err))
		}
	}()

	configs := service.NewConfigService(store, limits, nil, logger)
	rateLimit := service.NewRateLimitService(store, configs, logger)

	recorder, err := transaction.NewSQLiteRecorder(cfg.Transactions.DBPath, nil, logger)
	if err != nil {
		return fmt.Errorf("failed to open transaction database: %w", err)
	}
	defer recorder.Close()

	retention := transaction.NewRetention(recorder, cfg.Transactions.Schedule, cfg.Transactions.Retention, logger)
	if err := retention.Start(ctx); err != nil {
		return err
	}
	defer retention.Stop()

	if cfg.Admin.Token == "" {
		logger.Warn("ADMIN_TOKEN is not set, admin endpoints will reject every request")
	}

	serverCfg := transport.ServerConfig{
		Logger:       logger,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		RateLimit:    rateLimit,
		Configs:      configs,
		Health:       service.NewHealthService(store, logger),
		Recorder:     recorder,
		Admin: transport.AdminSettings{
			Token: cfg.Admin.Token,
			RPS:   cfg.Admin.RPS,
			Burst: cfg.Admin.Burst,
		},
		ClientLimit: transport.ClientLimitSettings{
			Algorithm: cfg.ClientLimit.Algorithm,
			Header:    cfg.ClientLimit.Header,
		},
	}

	httpCfg := serverCfg
	httpCfg.Address = cfg.ServerAddr()
	grpcCfg := serverCfg
	grpcCfg.Address = cfg.GRPCAddr()

	servers := []transport.Server{
		transport.NewHTTPServer(httpCfg),
		transport.NewGRPCServer(grpcCfg),
	}
	for i, srv := range servers {
		if err := srv.Start(ctx); err != nil {
			stopServers(servers[:i], cfg, logger)
			return fmt.Errorf("failed to start server on %s: %w", srv.Addr(), err)
		}
	}

	<-ctx.Done()
	logger.Info("Shutting down servers...")
	stopServers(servers, cfg, logger)
	logger.Info("Server stopped")
	return nil
}

func stopServers(servers []transport.Server, cfg config.Config, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Stop(ctx); err != nil {
			logger.Error("Server forced to shutdown", zap.String("address", srv.Addr()), zap.Error(err))
		}
	}
}
