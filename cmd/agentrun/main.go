package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/xiaot623/agentrun/internal/adapter/cogclient"
	"github.com/xiaot623/agentrun/internal/config"
	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/logging"
	"github.com/xiaot623/agentrun/internal/metrics"
	"github.com/xiaot623/agentrun/internal/policy"
	"github.com/xiaot623/agentrun/internal/repository"
	"github.com/xiaot623/agentrun/internal/runner"
	"github.com/xiaot623/agentrun/internal/service"
	"github.com/xiaot623/agentrun/internal/stream"
	handler "github.com/xiaot623/agentrun/internal/transport/http"
	"github.com/xiaot623/agentrun/internal/transport/rpc"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("orchestrator stopped with error", zap.Error(err))
	}
	logger.Info("orchestrator stopped")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting orchestrator",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("rpc_port", cfg.RPCPort),
		zap.String("store_driver", cfg.StoreDriver),
		zap.String("cog_endpoint", cfg.CogEndpoint),
		zap.Duration("agent_timeout", cfg.AgentTimeout))

	// Initialize store
	db, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer db.Close()

	registry := buildRegistry(cfg, logger)

	// Initialize policy engine
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	collector := metrics.NewCollector("agentrun", logger)
	hub := stream.NewHub(logger)

	// Initialize service
	svc := service.New(db, runner.New(registry, cfg.AgentTimeout, logger), hub, policyEngine, collector, cfg, logger)

	httpServer := handler.NewServer(svc, cfg, collector, logger)
	rpcServer, err := rpc.NewServer(svc, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		svc.RunOrphanSweeper(gctx, cfg.SweepInterval)
		return nil
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		logger.Info("external API listening", zap.String("addr", addr))
		if err := httpServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.RPCPort)
		logger.Info("internal RPC listening", zap.String("addr", addr))
		if err := rpcServer.Start(addr); err != nil {
			return fmt.Errorf("rpc server: %w", err)
		}
		return nil
	})

	// Wait for a signal or a server failure, then shut everything down.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down orchestrator")

		_ = shutdown(cfg.ShutdownTimeout, logger, svc, httpServer, rpcServer)
		return nil
	})

	return g.Wait()
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverRedis:
		return store.NewRedisStore(store.RedisOptions{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.RedisPrefix,
		})
	default:
		return store.NewSQLiteStore(cfg.DatabaseURL)
	}
}

// buildRegistry registers the built-in units and, when a unit library is
// configured, one remote unit per configured name.
func buildRegistry(cfg *config.Config, logger *zap.Logger) *runner.Registry {
	defaults := make(map[domain.WorkflowKind]string, len(cfg.DefaultUnits))
	for kind, name := range cfg.DefaultUnits {
		defaults[domain.WorkflowKind(kind)] = name
	}
	registry := runner.NewRegistry(defaults)
	runner.RegisterBuiltins(registry)

	if cfg.CogEndpoint == "" {
		return registry
	}
	client := cogclient.NewClient(cfg.CogEndpoint, cfg.MaxAgentTimeout)
	registry.SetProbe(client.Ping)
	for _, name := range cfg.CogNames {
		if err := registry.Register(runner.NewRemoteUnit(name, client)); err != nil {
			logger.Warn("skipping remote unit", zap.String("cog_name", name), zap.Error(err))
		}
	}
	logger.Info("remote unit library configured",
		zap.String("endpoint", cfg.CogEndpoint),
		zap.Strings("cogs", cfg.CogNames))
	return registry
}
