// Package config loads corerun's worker configuration: defaults, then an
// optional TOML file, then environment variables (env wins), mirroring the
// precedence the teacher's internal/config package used.
package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/corerun/corerun"
	"github.com/corerun/corerun/sandbox/docker"
)

// Config is the TOML/env-facing shape. Durations are expressed in seconds
// since encoding/toml has no native duration type; Build converts them into
// the time.Duration-bearing config structs each component actually takes.
type Config struct {
	Database     DatabaseConfig     `toml:"database"`
	KV           KVConfig           `toml:"kv"`
	Lease        LeaseConfig        `toml:"lease"`
	Sweeper      SweeperConfig      `toml:"sweeper"`
	Buffer       BufferConfig       `toml:"buffer"`
	Context      ContextConfig      `toml:"context"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Credit       CreditConfig       `toml:"credit"`
	Retry        RetryConfig        `toml:"retry"`
	Breaker      BreakerConfig      `toml:"breaker"`
	LLM          LLMConfig          `toml:"llm"`
	Observer     ObserverConfig     `toml:"observer"`
	Resource     ResourceConfig     `toml:"resource"`
	GuestLimiter GuestLimiterConfig `toml:"guest_limiter"`
}

// DatabaseConfig selects and parameterises the relational store (C2).
type DatabaseConfig struct {
	Driver   string `toml:"driver"` // "sqlite" or "postgres"
	Path     string `toml:"path"`   // sqlite file path
	Postgres string `toml:"postgres_dsn"`
}

// KVConfig selects and parameterises the lease/KV store (C3).
type KVConfig struct {
	Driver   string `toml:"driver"` // "memory" or "redis"
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

type LeaseConfig struct {
	LeaseTTLSeconds         int `toml:"lease_ttl_seconds"`
	HeartbeatIntervalSeconds int `toml:"heartbeat_interval_seconds"`
	OrphanThresholdSeconds   int `toml:"orphan_threshold_seconds"`
}

type SweeperConfig struct {
	IntervalSeconds    int `toml:"interval_seconds"`
	MaxDurationSeconds int `toml:"max_duration_seconds"`
}

type BufferConfig struct {
	MaxBufferedRuns            int `toml:"max_buffered_runs"`
	PressureThreshold          int `toml:"pressure_threshold"`
	FlushIntervalSeconds       int `toml:"flush_interval_seconds"`
	CleanupIntervalSeconds     int `toml:"cleanup_interval_seconds"`
	FlushConcurrency           int `toml:"flush_concurrency"`
	StaleThresholdSeconds      int `toml:"stale_threshold_seconds"`
	MaxRunAgeSeconds           int `toml:"max_run_age_seconds"`
	TerminalIdleTimeoutSeconds int `toml:"terminal_idle_timeout_seconds"`
}

type ContextConfig struct {
	WorkingMemory int    `toml:"working_memory"`
	Model         string `toml:"model"`
}

type OrchestratorConfig struct {
	DefaultModel         string         `toml:"default_model"`
	VisionModel          string         `toml:"vision_model"`
	ContextWindows       map[string]int `toml:"context_windows"`
	DefaultContextWindow int            `toml:"default_context_window"`
	MaxToolResultChars   int            `toml:"max_tool_result_chars"`
}

type CreditConfig struct {
	WriterMode             string `toml:"writer_mode"` // "reservation" or "saga"
	ReservationTTLSeconds  int    `toml:"reservation_ttl_seconds"`
	MaxOutstanding         int    `toml:"max_outstanding"`
	MaxDLQAttempts         int    `toml:"max_dlq_attempts"`
}

type RetryConfig struct {
	MaxAttempts            int `toml:"max_attempts"`
	InitialIntervalSeconds int `toml:"initial_interval_seconds"`
	MaxIntervalSeconds     int `toml:"max_interval_seconds"`
}

type BreakerConfig struct {
	MaxFailures    int `toml:"max_failures"`
	TimeoutSeconds int `toml:"timeout_seconds"`
	HalfOpenMax    int `toml:"half_open_max"`
}

// LLMConfig names the provider/model pair and credentials used to build the
// wrapped (breaker + rate-limit + retry) corerun.Provider for chat turns.
type LLMConfig struct {
	Provider    string  `toml:"provider"` // "anthropic" or "openai"
	Model       string  `toml:"model"`
	APIKey      string  `toml:"api_key"`
	MaxTokens   int     `toml:"max_tokens"`
	Temperature float64 `toml:"temperature"`
}

type ObserverConfig struct {
	Enabled        bool                           `toml:"enabled"`
	OTLPEndpoint   string                         `toml:"otlp_endpoint"`
	Pricing        map[string]ObserverPricingRow  `toml:"pricing"`
}

type ObserverPricingRow struct {
	InputPerMillion  float64 `toml:"input_per_million"`
	OutputPerMillion float64 `toml:"output_per_million"`
}

// ResourceConfig parameterises the Docker-backed sandbox pool (C11/C4.10).
type ResourceConfig struct {
	Enabled             bool   `toml:"enabled"`
	Image               string `toml:"image"`
	MinSize             int    `toml:"min_size"`
	MaxSize             int    `toml:"max_size"`
	ReplenishBelow      int    `toml:"replenish_below"`
	ParallelCreateLimit int    `toml:"parallel_create_limit"`
	ContainerPort       int    `toml:"container_port"`
	MaxAgeSeconds       int    `toml:"max_age_seconds"`
	ReplenishIntervalSeconds int `toml:"replenish_interval_seconds"`
	CleanupIntervalSeconds   int `toml:"cleanup_interval_seconds"`
}

// GuestLimiterConfig parameterises the anonymous-caller rate limiter (C12).
type GuestLimiterConfig struct {
	MaxMessagesPerSession int `toml:"max_messages_per_session"`
	SessionLifetimeSeconds int `toml:"session_lifetime_seconds"`
	MaxPerIPHourly        int `toml:"max_per_ip_hourly"`
	MaxPerIPDaily         int `toml:"max_per_ip_daily"`
	CleanupIntervalSeconds int `toml:"cleanup_interval_seconds"`
}

// Default returns a Config with sensible defaults applied, matching the
// component-level withDefaults() zero-value conventions used throughout the
// root package.
func Default() Config {
	return Config{
		Database: DatabaseConfig{Driver: "sqlite", Path: "corerun.db"},
		KV:       KVConfig{Driver: "memory"},
		Credit:   CreditConfig{WriterMode: "reservation"},
		LLM:      LLMConfig{Provider: "anthropic", Model: "claude-sonnet-4-5"},
		Orchestrator: OrchestratorConfig{
			DefaultModel: "claude-sonnet-4-5",
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins). An
// unreadable or absent path is not an error; the caller gets defaults.
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "corerun.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	if v := os.Getenv("CORERUN_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("CORERUN_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("CORERUN_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("CORERUN_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("CORERUN_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("CORERUN_POSTGRES_DSN"); v != "" {
		cfg.Database.Postgres = v
	}
	if v := os.Getenv("CORERUN_KV_DRIVER"); v != "" {
		cfg.KV.Driver = v
	}
	if v := os.Getenv("CORERUN_KV_ADDR"); v != "" {
		cfg.KV.Addr = v
	}
	if v := os.Getenv("CORERUN_KV_PASSWORD"); v != "" {
		cfg.KV.Password = v
	}
	if v := os.Getenv("CORERUN_OTLP_ENDPOINT"); v != "" {
		cfg.Observer.OTLPEndpoint = v
	}
	if os.Getenv("CORERUN_OBSERVER_ENABLED") == "true" || os.Getenv("CORERUN_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}

// secondsFromConfig converts a TOML seconds field into a time.Duration, or
// 0 if unset so the component's own withDefaults() picks its default.
func secondsFromConfig(s int) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s) * time.Second
}

// BuildLease converts the TOML-facing lease section into corerun.LeaseConfig.
func (c Config) BuildLease() corerun.LeaseConfig {
	return corerun.LeaseConfig{
		LeaseTTL:          secondsFromConfig(c.Lease.LeaseTTLSeconds),
		HeartbeatInterval: secondsFromConfig(c.Lease.HeartbeatIntervalSeconds),
		OrphanThreshold:   secondsFromConfig(c.Lease.OrphanThresholdSeconds),
	}
}

// BuildSweeper converts the TOML-facing sweeper section into corerun.SweeperConfig.
func (c Config) BuildSweeper(shard, shardTotal int) corerun.SweeperConfig {
	return corerun.SweeperConfig{
		Interval:    secondsFromConfig(c.Sweeper.IntervalSeconds),
		MaxDuration: secondsFromConfig(c.Sweeper.MaxDurationSeconds),
		Shard:       shard,
		ShardTotal:  shardTotal,
	}
}

// BuildBuffer converts the TOML-facing buffer section into corerun.BufferConfig.
func (c Config) BuildBuffer() corerun.BufferConfig {
	return corerun.BufferConfig{
		MaxBufferedRuns:     c.Buffer.MaxBufferedRuns,
		PressureThreshold:   c.Buffer.PressureThreshold,
		FlushInterval:       secondsFromConfig(c.Buffer.FlushIntervalSeconds),
		CleanupInterval:     secondsFromConfig(c.Buffer.CleanupIntervalSeconds),
		FlushConcurrency:    int64(c.Buffer.FlushConcurrency),
		StaleThreshold:      secondsFromConfig(c.Buffer.StaleThresholdSeconds),
		MaxRunAge:           secondsFromConfig(c.Buffer.MaxRunAgeSeconds),
		TerminalIdleTimeout: secondsFromConfig(c.Buffer.TerminalIdleTimeoutSeconds),
	}
}

// BuildContext converts the TOML-facing context section into corerun.ContextConfig.
func (c Config) BuildContext() corerun.ContextConfig {
	return corerun.ContextConfig{WorkingMemory: c.Context.WorkingMemory, Model: c.Context.Model}
}

// BuildOrchestrator converts the TOML-facing orchestrator section into corerun.OrchestratorConfig.
func (c Config) BuildOrchestrator() corerun.OrchestratorConfig {
	return corerun.OrchestratorConfig{
		DefaultModel:         c.Orchestrator.DefaultModel,
		VisionModel:          c.Orchestrator.VisionModel,
		ContextWindows:       c.Orchestrator.ContextWindows,
		DefaultContextWindow: c.Orchestrator.DefaultContextWindow,
		MaxToolResultChars:   c.Orchestrator.MaxToolResultChars,
	}
}

// BuildCredit converts the TOML-facing credit section into corerun.CreditConfig.
func (c Config) BuildCredit() corerun.CreditConfig {
	mode := corerun.ModeReservation
	if c.Credit.WriterMode == "saga" {
		mode = corerun.ModeSaga
	}
	return corerun.CreditConfig{
		WriterMode:     mode,
		ReservationTTL: secondsFromConfig(c.Credit.ReservationTTLSeconds),
		MaxOutstanding: c.Credit.MaxOutstanding,
		MaxDLQAttempts: c.Credit.MaxDLQAttempts,
	}
}

// BuildRetry converts the TOML-facing retry section into corerun.RetryConfig.
func (c Config) BuildRetry() corerun.RetryConfig {
	return corerun.RetryConfig{
		MaxAttempts:     c.Retry.MaxAttempts,
		InitialInterval: secondsFromConfig(c.Retry.InitialIntervalSeconds),
		MaxInterval:     secondsFromConfig(c.Retry.MaxIntervalSeconds),
	}
}

// BuildBreaker converts the TOML-facing breaker section into corerun.BreakerConfig.
func (c Config) BuildBreaker(name string) corerun.BreakerConfig {
	return corerun.BreakerConfig{
		MaxFailures: c.Breaker.MaxFailures,
		Timeout:     secondsFromConfig(c.Breaker.TimeoutSeconds),
		HalfOpenMax: c.Breaker.HalfOpenMax,
		Name:        name,
	}
}

// BuildGuestLimiter converts the TOML-facing guest_limiter section into
// corerun.GuestLimiterConfig.
func (c Config) BuildGuestLimiter() corerun.GuestLimiterConfig {
	return corerun.GuestLimiterConfig{
		MaxMessagesPerSession: c.GuestLimiter.MaxMessagesPerSession,
		SessionLifetime:       secondsFromConfig(c.GuestLimiter.SessionLifetimeSeconds),
		MaxPerIPHourly:        c.GuestLimiter.MaxPerIPHourly,
		MaxPerIPDaily:         c.GuestLimiter.MaxPerIPDaily,
		CleanupInterval:       secondsFromConfig(c.GuestLimiter.CleanupIntervalSeconds),
	}
}

// BuildResourcePool converts the TOML-facing resource section into
// docker.Config for the sandbox pool.
func (c Config) BuildResourcePool() docker.Config {
	return docker.Config{
		Image:               c.Resource.Image,
		MinSize:             c.Resource.MinSize,
		MaxSize:             c.Resource.MaxSize,
		ReplenishBelow:      c.Resource.ReplenishBelow,
		ParallelCreateLimit: c.Resource.ParallelCreateLimit,
		ContainerPort:       c.Resource.ContainerPort,
		MaxAge:              secondsFromConfig(c.Resource.MaxAgeSeconds),
	}
}

// ResourceReplenishInterval is how often sandboxd calls EnsurePoolSize.
func (c Config) ResourceReplenishInterval() time.Duration {
	if d := secondsFromConfig(c.Resource.ReplenishIntervalSeconds); d > 0 {
		return d
	}
	return 30 * time.Second
}

// ResourceCleanupInterval is how often sandboxd calls CleanupStaleSandboxes.
func (c Config) ResourceCleanupInterval() time.Duration {
	if d := secondsFromConfig(c.Resource.CleanupIntervalSeconds); d > 0 {
		return d
	}
	return 10 * time.Minute
}
