package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/scrapehive/dispatcher/internal/common/config"
	"github.com/scrapehive/dispatcher/internal/common/configtypes"
	"github.com/scrapehive/dispatcher/internal/common/logger"
	"github.com/scrapehive/dispatcher/internal/common/metricsserver"
	"github.com/scrapehive/dispatcher/internal/common/redis"
	"github.com/scrapehive/dispatcher/internal/dispatch/events"
	"github.com/scrapehive/dispatcher/internal/dispatch/metrics"
	"github.com/scrapehive/dispatcher/internal/dispatch/orchestrator"
	"github.com/scrapehive/dispatcher/internal/dispatch/proxypool"
	"github.com/scrapehive/dispatcher/internal/dispatch/ratelimit"
	"github.com/scrapehive/dispatcher/internal/dispatch/registry"
	"github.com/scrapehive/dispatcher/internal/dispatch/resultcache"
	"github.com/scrapehive/dispatcher/internal/dispatch/runnerclient"
	"github.com/scrapehive/dispatcher/internal/dispatch/server"
	"github.com/scrapehive/dispatcher/pkg/types"
)

func main() {
	configPath := flag.String("c", "configs/dispatcher.yaml", "path to configuration file")
	flag.Parse()

	// Create initial logger for startup
	initialLogger, err := logger.NewDefaultLogger()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	initialLogger.Info("Starting dispatcher", zap.String("config_path", *configPath))

	cfg, err := config.Load(*configPath)
	if err != nil {
		initialLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Reconfigure logger based on config settings
	dynamicLogger, err := logger.NewLogger(cfg.Log)
	if err != nil {
		initialLogger.Fatal("Failed to create configured logger", zap.Error(err))
	}
	defer dynamicLogger.Sync()
	appLogger := dynamicLogger.Logger

	// Runner registry and liveness sweeper
	runnerRegistry := registry.NewRegistry(
		cfg.Registry.LivenessTimeout.ToDuration(),
		cfg.Registry.StrictHeartbeat,
		appLogger,
	)
	sweeper := registry.NewSweeper(runnerRegistry, cfg.Registry.SweepInterval.ToDuration(), appLogger)
	sweeper.Start()

	// Proxy pool with optional provider refresh
	pool := proxypool.NewPool(proxypool.Settings{
		CooldownThreshold: cfg.Proxies.Cooldown.Threshold,
		CooldownBase:      cfg.Proxies.Cooldown.Base.ToDuration(),
		CooldownMax:       cfg.Proxies.Cooldown.Max.ToDuration(),
		ExplorationFloor:  cfg.Proxies.Selection.ExplorationFloor,
		LatencyBaseline:   cfg.Proxies.Selection.LatencyBaseline.ToDuration(),
		StalenessWindow:   cfg.Proxies.Provider.StalenessWindow.ToDuration(),
	}, appLogger)

	var refreshWorker *proxypool.RefreshWorker
	if cfg.Proxies.Provider.URL != "" {
		providerClient := proxypool.NewProviderClient(
			cfg.Proxies.Provider.URL,
			cfg.Proxies.Provider.Token,
			cfg.Proxies.Provider.PageSize,
			appLogger,
		)
		refreshWorker = proxypool.NewRefreshWorker(
			pool,
			providerClient,
			cfg.Proxies.Provider.RefreshInterval.ToDuration(),
			cfg.Proxies.Provider.RetryInterval.ToDuration(),
			appLogger,
		)
		refreshWorker.Start()
	} else {
		appLogger.Info("No proxy provider configured, pool is managed via the API only")
	}

	// Result cache backend
	store, err := buildStore(cfg, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to create result cache", zap.Error(err))
	}

	limiter := ratelimit.New(ratelimit.Config{
		Enabled: cfg.RateLimit.Enabled,
		Rate:    cfg.RateLimit.Rate,
		Burst:   cfg.RateLimit.Burst,
	})

	// Metrics collector and its dedicated listener
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(cfg.Metrics.Namespace, appLogger)
	}
	metricsServer := metricsserver.Start(
		cfg.Metrics.Enabled,
		cfg.Metrics.Listen,
		cfg.Metrics.Path,
		collector,
		appLogger,
	)

	emitter, err := buildEmitter(cfg, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to create event emitter", zap.Error(err))
	}

	dispatcher := orchestrator.NewDispatcher(
		runnerRegistry,
		pool,
		store,
		limiter,
		runnerclient.NewClient(appLogger),
		emitter,
		collector,
		orchestrator.Config{
			MaxAttempts:     cfg.Dispatch.MaxAttempts,
			AttemptTimeout:  cfg.Dispatch.AttemptTimeout.ToDuration(),
			RetryBackoff:    cfg.Dispatch.RetryBackoff.ToDuration(),
			MinContentBytes: cfg.Dispatch.MinContentBytes,
		},
		appLogger,
	)

	var refresher server.Refresher
	if refreshWorker != nil {
		refresher = refreshWorker
	}
	apiServer := server.NewServer(dispatcher, runnerRegistry, pool, refresher, collector, appLogger)

	serverErrors := make(chan error, 1)
	go func() {
		if err := apiServer.Start(cfg.Server.Listen); err != nil {
			serverErrors <- fmt.Errorf("API server failed: %w", err)
		}
	}()

	// Wait briefly for the listener and check for immediate failures
	time.Sleep(100 * time.Millisecond)
	select {
	case err := <-serverErrors:
		appLogger.Fatal("Server failed to start", zap.Error(err))
	default:
	}

	appLogger.Info("Dispatcher started", zap.String("listen", cfg.Server.Listen))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		dynamicLogger.EnsureInfoLevelForShutdown()
		appLogger.Info("Shutting down dispatcher...")
	case err := <-serverErrors:
		dynamicLogger.EnsureInfoLevelForShutdown()
		appLogger.Error("Server error, initiating shutdown", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sweeper.Shutdown()
	if refreshWorker != nil {
		refreshWorker.Shutdown()
	}

	if metricsServer != nil {
		appLogger.Info("Shutting down metrics server")
		if err := metricsServer.ShutdownWithContext(shutdownCtx); err != nil {
			appLogger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("API server shutdown error", zap.Error(err))
	}

	if err := store.Close(); err != nil {
		appLogger.Error("Result cache close error", zap.Error(err))
	}

	if err := emitter.Close(); err != nil {
		appLogger.Error("Event emitter close error", zap.Error(err))
	}

	appLogger.Info("Dispatcher stopped")
}

// buildStore creates the configured result cache backend.
func buildStore(cfg *configtypes.DispatcherConfig, appLogger *zap.Logger) (resultcache.Store, error) {
	switch cfg.Cache.Backend {
	case configtypes.CacheBackendRedis:
		redisClient, err := redis.NewClient(&cfg.Redis, appLogger)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		appLogger.Info("Result cache backend: redis",
			zap.String("addr", cfg.Redis.Addr),
			zap.String("compression", cfg.Cache.Compression))
		return resultcache.NewRedisStore(
			redisClient,
			cfg.Cache.TTL.ToDuration(),
			types.CompressionAlgorithm(cfg.Cache.Compression),
		), nil
	default:
		appLogger.Info("Result cache backend: memory",
			zap.Int("capacity", cfg.Cache.Capacity))
		return resultcache.NewMemoryStore(cfg.Cache.TTL.ToDuration(), cfg.Cache.Capacity), nil
	}
}

// buildEmitter assembles the configured event sinks into one emitter.
func buildEmitter(cfg *configtypes.DispatcherConfig, appLogger *zap.Logger) (events.Emitter, error) {
	var emitters []events.Emitter

	if cfg.Events.File.Enabled {
		fileEmitter, err := events.NewFileEmitter(cfg.Events.File, appLogger)
		if err != nil {
			return nil, err
		}
		emitters = append(emitters, fileEmitter)
		appLogger.Info("Event logging to file enabled", zap.String("path", cfg.Events.File.Path))
	}

	if cfg.Events.ClickHouse.Enabled {
		chEmitter, err := events.NewClickHouseEmitter(cfg.Events.ClickHouse, appLogger)
		if err != nil {
			return nil, err
		}
		emitters = append(emitters, chEmitter)
		appLogger.Info("Event logging to ClickHouse enabled",
			zap.String("addr", cfg.Events.ClickHouse.Addr),
			zap.String("table", cfg.Events.ClickHouse.Table))
	}

	switch len(emitters) {
	case 0:
		return &events.NoopEmitter{}, nil
	case 1:
		return emitters[0], nil
	default:
		return events.NewMultiEmitter(emitters...), nil
	}
}
