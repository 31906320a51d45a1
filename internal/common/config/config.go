// Package config loads, defaults, and validates the dispatcher YAML
// configuration. The returned config is read-only after startup; tuning
// changes require a restart.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/scrapehive/dispatcher/internal/common/configtypes"
	"github.com/scrapehive/dispatcher/pkg/types"
)

// Load reads the YAML file at path, applies defaults, and validates.
func Load(path string) (*configtypes.DispatcherConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg configtypes.DispatcherConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// ApplyDefaults fills zero-valued fields with operational defaults.
func ApplyDefaults(cfg *configtypes.DispatcherConfig) {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":9090"
	}
	if cfg.Server.Timeout == 0 {
		cfg.Server.Timeout = types.Duration(60 * time.Second)
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = configtypes.LogLevelInfo
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
		cfg.Log.Console.Format = configtypes.LogFormatConsole
	}

	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = configtypes.CacheBackendMemory
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = types.Duration(15 * time.Minute)
	}
	if cfg.Cache.Capacity == 0 {
		cfg.Cache.Capacity = 10000
	}
	if cfg.Cache.Compression == "" {
		cfg.Cache.Compression = string(types.CompressionSnappy)
	}

	if cfg.Registry.LivenessTimeout == 0 {
		cfg.Registry.LivenessTimeout = types.Duration(90 * time.Second)
	}
	if cfg.Registry.SweepInterval == 0 {
		cfg.Registry.SweepInterval = types.Duration(30 * time.Second)
	}

	if cfg.Proxies.Provider.PageSize == 0 {
		cfg.Proxies.Provider.PageSize = 100
	}
	if cfg.Proxies.Provider.RefreshInterval == 0 {
		cfg.Proxies.Provider.RefreshInterval = types.Duration(10 * time.Minute)
	}
	if cfg.Proxies.Provider.RetryInterval == 0 {
		cfg.Proxies.Provider.RetryInterval = types.Duration(1 * time.Minute)
	}
	if cfg.Proxies.Provider.StalenessWindow == 0 {
		cfg.Proxies.Provider.StalenessWindow = types.Duration(24 * time.Hour)
	}
	if cfg.Proxies.Cooldown.Threshold == 0 {
		cfg.Proxies.Cooldown.Threshold = 3
	}
	if cfg.Proxies.Cooldown.Base == 0 {
		cfg.Proxies.Cooldown.Base = types.Duration(30 * time.Second)
	}
	if cfg.Proxies.Cooldown.Max == 0 {
		cfg.Proxies.Cooldown.Max = types.Duration(10 * time.Minute)
	}
	if cfg.Proxies.Selection.ExplorationFloor == 0 {
		cfg.Proxies.Selection.ExplorationFloor = 0.05
	}
	if cfg.Proxies.Selection.LatencyBaseline == 0 {
		cfg.Proxies.Selection.LatencyBaseline = types.Duration(2 * time.Second)
	}

	if cfg.Dispatch.MaxAttempts == 0 {
		cfg.Dispatch.MaxAttempts = 3
	}
	if cfg.Dispatch.AttemptTimeout == 0 {
		cfg.Dispatch.AttemptTimeout = types.Duration(45 * time.Second)
	}
	if cfg.Dispatch.RetryBackoff == 0 {
		cfg.Dispatch.RetryBackoff = types.Duration(500 * time.Millisecond)
	}
	if cfg.Dispatch.MinContentBytes == 0 {
		cfg.Dispatch.MinContentBytes = 512
	}

	if cfg.RateLimit.Rate == 0 {
		cfg.RateLimit.Rate = 5
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 10
	}

	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9091"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "dispatcher"
	}

	if cfg.Events.ClickHouse.FlushInterval == 0 {
		cfg.Events.ClickHouse.FlushInterval = types.Duration(5 * time.Second)
	}
	if cfg.Events.ClickHouse.BatchSize == 0 {
		cfg.Events.ClickHouse.BatchSize = 500
	}
	if cfg.Events.ClickHouse.Table == "" {
		cfg.Events.ClickHouse.Table = "scrape_events"
	}
}

// Validate rejects configurations the dispatcher cannot run with.
func Validate(cfg *configtypes.DispatcherConfig) error {
	if err := configtypes.ValidateListenAddress(cfg.Server.Listen); err != nil {
		return fmt.Errorf("server.listen: %w", err)
	}

	switch cfg.Cache.Backend {
	case configtypes.CacheBackendMemory:
	case configtypes.CacheBackendRedis:
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when cache.backend is redis")
		}
	default:
		return fmt.Errorf("cache.backend must be %q or %q, got %q",
			configtypes.CacheBackendMemory, configtypes.CacheBackendRedis, cfg.Cache.Backend)
	}
	if !types.CompressionAlgorithm(cfg.Cache.Compression).Valid() {
		return fmt.Errorf("cache.compression must be none, snappy, or lz4, got %q", cfg.Cache.Compression)
	}
	if cfg.Cache.Capacity < 0 {
		return fmt.Errorf("cache.capacity must not be negative")
	}

	if cfg.Registry.LivenessTimeout.ToDuration() <= 0 {
		return fmt.Errorf("registry.liveness_timeout must be positive")
	}
	if cfg.Registry.SweepInterval.ToDuration() <= 0 {
		return fmt.Errorf("registry.sweep_interval must be positive")
	}

	if cfg.Proxies.Cooldown.Threshold < 1 {
		return fmt.Errorf("proxies.cooldown.threshold must be at least 1")
	}
	if cfg.Proxies.Cooldown.Max < cfg.Proxies.Cooldown.Base {
		return fmt.Errorf("proxies.cooldown.max must not be below proxies.cooldown.base")
	}
	if f := cfg.Proxies.Selection.ExplorationFloor; f < 0 || f > 1 {
		return fmt.Errorf("proxies.selection.exploration_floor must be in [0,1], got %v", f)
	}

	if cfg.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.max_attempts must be at least 1")
	}
	if cfg.Dispatch.AttemptTimeout.ToDuration() <= 0 {
		return fmt.Errorf("dispatch.attempt_timeout must be positive")
	}

	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.Rate <= 0 {
			return fmt.Errorf("ratelimit.rate must be positive when enabled")
		}
		if cfg.RateLimit.Burst < 1 {
			return fmt.Errorf("ratelimit.burst must be at least 1 when enabled")
		}
	}

	if cfg.Metrics.Enabled {
		if err := configtypes.ValidateListenAddress(cfg.Metrics.Listen); err != nil {
			return fmt.Errorf("metrics.listen: %w", err)
		}
	}

	if cfg.Events.File.Enabled && cfg.Events.File.Path == "" {
		return fmt.Errorf("events.file.path is required when file events are enabled")
	}
	if cfg.Events.ClickHouse.Enabled {
		if cfg.Events.ClickHouse.Addr == "" {
			return fmt.Errorf("events.clickhouse.addr is required when clickhouse events are enabled")
		}
		if cfg.Events.ClickHouse.Database == "" {
			return fmt.Errorf("events.clickhouse.database is required when clickhouse events are enabled")
		}
	}

	return nil
}
