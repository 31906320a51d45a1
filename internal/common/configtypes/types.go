// Package configtypes defines the YAML configuration structures for the
// dispatcher. Kept separate from the loader so other packages can depend
// on the types without pulling in file handling.
package configtypes

import (
	"github.com/scrapehive/dispatcher/pkg/types"
)

// Log level constants
const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// Log format constants
const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
	LogFormatText    = "text"
)

// Cache backend constants
const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

// DispatcherConfig is the root configuration for the dispatcher binary.
type DispatcherConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Redis     RedisConfig     `yaml:"redis"`
	Cache     CacheConfig     `yaml:"cache"`
	Registry  RegistryConfig  `yaml:"registry"`
	Proxies   ProxiesConfig   `yaml:"proxies"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Events    EventsConfig    `yaml:"events"`
}

type ServerConfig struct {
	Listen  string         `yaml:"listen"`
	Timeout types.Duration `yaml:"timeout"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// CacheConfig selects and tunes the result cache backend.
type CacheConfig struct {
	Backend     string         `yaml:"backend"`
	TTL         types.Duration `yaml:"ttl"`
	Capacity    int            `yaml:"capacity"`
	Compression string         `yaml:"compression"`
}

// RegistryConfig tunes runner liveness tracking.
type RegistryConfig struct {
	LivenessTimeout types.Duration `yaml:"liveness_timeout"`
	SweepInterval   types.Duration `yaml:"sweep_interval"`
	StrictHeartbeat bool           `yaml:"strict_heartbeat"`
}

// ProxiesConfig tunes the proxy pool and its provider refresh.
type ProxiesConfig struct {
	Provider  ProviderConfig  `yaml:"provider"`
	Cooldown  CooldownConfig  `yaml:"cooldown"`
	Selection SelectionConfig `yaml:"selection"`
}

// ProviderConfig points at the upstream proxy list API.
type ProviderConfig struct {
	URL             string         `yaml:"url"`
	Token           string         `yaml:"token"`
	PageSize        int            `yaml:"page_size"`
	RefreshInterval types.Duration `yaml:"refresh_interval"`
	RetryInterval   types.Duration `yaml:"retry_interval"`
	StalenessWindow types.Duration `yaml:"staleness_window"`
}

// CooldownConfig controls the consecutive-failure cooldown curve.
type CooldownConfig struct {
	Threshold int            `yaml:"threshold"`
	Base      types.Duration `yaml:"base"`
	Max       types.Duration `yaml:"max"`
}

// SelectionConfig tunes weighted proxy selection.
type SelectionConfig struct {
	ExplorationFloor float64        `yaml:"exploration_floor"`
	LatencyBaseline  types.Duration `yaml:"latency_baseline"`
}

// DispatchConfig tunes the retry state machine.
type DispatchConfig struct {
	MaxAttempts     int            `yaml:"max_attempts"`
	AttemptTimeout  types.Duration `yaml:"attempt_timeout"`
	RetryBackoff    types.Duration `yaml:"retry_backoff"`
	MinContentBytes int            `yaml:"min_content_bytes"`
}

// RateLimitConfig tunes per-caller admission.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`
	Burst   int     `yaml:"burst"`
}

type LogConfig struct {
	Level   string           `yaml:"level"`
	Console ConsoleLogConfig `yaml:"console"`
	File    FileLogConfig    `yaml:"file"`
}

type ConsoleLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Format  string `yaml:"format"`
	Level   string `yaml:"level,omitempty"`
}

type FileLogConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Path     string         `yaml:"path"`
	Format   string         `yaml:"format"`
	Level    string         `yaml:"level,omitempty"`
	Rotation RotationConfig `yaml:"rotation"`
}

type RotationConfig struct {
	MaxSize    int  `yaml:"max_size"`
	MaxAge     int  `yaml:"max_age"`
	MaxBackups int  `yaml:"max_backups"`
	Compress   bool `yaml:"compress"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// EventsConfig configures scrape event sinks.
type EventsConfig struct {
	File       EventFileConfig       `yaml:"file"`
	ClickHouse EventClickHouseConfig `yaml:"clickhouse"`
}

// EventFileConfig configures the JSON-lines event log.
type EventFileConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Path     string         `yaml:"path"`
	Rotation RotationConfig `yaml:"rotation"`
}

// EventClickHouseConfig configures the ClickHouse event sink.
type EventClickHouseConfig struct {
	Enabled       bool           `yaml:"enabled"`
	Addr          string         `yaml:"addr"`
	Database      string         `yaml:"database"`
	Table         string         `yaml:"table"`
	Username      string         `yaml:"username"`
	Password      string         `yaml:"password"`
	FlushInterval types.Duration `yaml:"flush_interval"`
	BatchSize     int            `yaml:"batch_size"`
}
