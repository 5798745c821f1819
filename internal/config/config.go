// Package config implements the orchestration runtime's configuration
// surface (SPEC_FULL §4.10): a single YAML-decoded struct with
// zero-value-defaulting normalization convention, re-pointed at this
// runtime's component set
// (rate limiter, queue, pub/sub router, transport, state persistence,
// observability) instead of LLM-provider/agent-persona settings.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lattice-run/conductor/internal/obs"
	"github.com/lattice-run/conductor/internal/pubsub"
	"github.com/lattice-run/conductor/internal/queue"
	"github.com/lattice-run/conductor/internal/ratelimit"
	"github.com/lattice-run/conductor/internal/transport"
)

// RateLimitConfig is the YAML-facing mirror of ratelimit.Config, expressed
// in whole seconds rather than time.Duration (durations serialize as
// "_seconds" ints, never as Go duration strings).
type RateLimitConfig struct {
	TokensPerInterval int `yaml:"tokens_per_interval"`
	IntervalSeconds   int `yaml:"interval_seconds"`
	MaxTokens         int `yaml:"max_tokens"`
}

func (c RateLimitConfig) toRuntime() ratelimit.Config {
	return ratelimit.Config{
		TokensPerInterval: c.TokensPerInterval,
		Interval:          time.Duration(c.IntervalSeconds) * time.Second,
		MaxTokens:         c.MaxTokens,
	}
}

// QueueConfig is the YAML-facing mirror of queue.Config.
type QueueConfig struct {
	MaxRetries        int    `yaml:"max_retries"`
	RetryDelaySeconds int    `yaml:"retry_delay_seconds"`
	DeadLetterQueue   string `yaml:"dead_letter_queue"`
	MaxQueueSize      int    `yaml:"max_queue_size"`
	MessageTTLSeconds int    `yaml:"message_ttl_seconds"`
}

func (c QueueConfig) toRuntime() queue.Config {
	return queue.Config{
		MaxRetries:      c.MaxRetries,
		RetryDelay:      time.Duration(c.RetryDelaySeconds) * time.Second,
		DeadLetterQueue: c.DeadLetterQueue,
		MaxQueueSize:    c.MaxQueueSize,
		MessageTTL:      time.Duration(c.MessageTTLSeconds) * time.Second,
	}
}

// PubSubConfig is the YAML-facing mirror of pubsub.Config.
type PubSubConfig struct {
	MaxSubscriptionsPerAgent int  `yaml:"max_subscriptions_per_agent"`
	MaxTopicsPerAgent        int  `yaml:"max_topics_per_agent"`
	WildcardEnabled          bool `yaml:"wildcard_enabled"`
	DeliveryTimeoutSeconds   int  `yaml:"delivery_timeout_seconds"`
}

func (c PubSubConfig) toRuntime() pubsub.Config {
	return pubsub.Config{
		MaxSubscriptionsPerAgent: c.MaxSubscriptionsPerAgent,
		MaxTopicsPerAgent:        c.MaxTopicsPerAgent,
		WildcardEnabled:          c.WildcardEnabled,
		DeliveryTimeout:          time.Duration(c.DeliveryTimeoutSeconds) * time.Second,
	}
}

// TransportConfig is the YAML-facing mirror of transport.Config.
type TransportConfig struct {
	HeartbeatIntervalSeconds int      `yaml:"heartbeat_interval_seconds"`
	PingTimeoutSeconds       int      `yaml:"ping_timeout_seconds"`
	AllowOrigins             []string `yaml:"allow_origins"`
}

func (c TransportConfig) toRuntime() transport.Config {
	return transport.Config{
		HeartbeatInterval: time.Duration(c.HeartbeatIntervalSeconds) * time.Second,
		PingTimeout:       time.Duration(c.PingTimeoutSeconds) * time.Second,
		AllowOrigins:      c.AllowOrigins,
	}
}

// PersistenceConfig configures the SQLite durable tier, the LRU cache tier,
// and the reconciliation/recovery schedule (spec §4.7).
type PersistenceConfig struct {
	DBPath                        string `yaml:"db_path"`
	CacheSize                     int    `yaml:"cache_size"`
	ReconciliationIntervalSeconds int    `yaml:"reconciliation_interval_seconds"`
	MaxStateAgeDays               int    `yaml:"max_state_age_days"`
	RecoveryMaxRetries            int    `yaml:"recovery_max_retries"`
	RecoveryRetryDelayMillis      int    `yaml:"recovery_retry_delay_millis"`
}

// AgentSeed describes an agent to register with the orchestrator on startup.
type AgentSeed struct {
	ID           string   `yaml:"id"`
	Capabilities []string `yaml:"capabilities"`
	Priority     int      `yaml:"priority"`
}

// Config is the complete runtime configuration, decoded from config.yaml
// and overlaid with environment overrides.
type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Queue       QueueConfig       `yaml:"queue"`
	PubSub      PubSubConfig      `yaml:"pubsub"`
	Transport   TransportConfig   `yaml:"transport"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Obs         obs.Config        `yaml:"observability"`

	Agents []AgentSeed `yaml:"agents"`
}

// RateLimitRuntime returns the ratelimit.Config this configuration implies.
func (c Config) RateLimitRuntime() ratelimit.Config { return c.RateLimit.toRuntime() }

// QueueRuntime returns the queue.Config this configuration implies.
func (c Config) QueueRuntime() queue.Config { return c.Queue.toRuntime() }

// PubSubRuntime returns the pubsub.Config this configuration implies.
func (c Config) PubSubRuntime() pubsub.Config { return c.PubSub.toRuntime() }

// TransportRuntime returns the transport.Config this configuration implies.
func (c Config) TransportRuntime() transport.Config { return c.Transport.toRuntime() }

// ReconciliationInterval returns the persistence reconciliation tick period.
func (c Config) ReconciliationInterval() time.Duration {
	return time.Duration(c.Persistence.ReconciliationIntervalSeconds) * time.Second
}

// MaxStateAge returns the retention window cleanup uses.
func (c Config) MaxStateAge() time.Duration {
	return time.Duration(c.Persistence.MaxStateAgeDays) * 24 * time.Hour
}

// RecoveryRetryDelay returns the recovery module's fixed retry delay.
func (c Config) RecoveryRetryDelay() time.Duration {
	return time.Duration(c.Persistence.RecoveryRetryDelayMillis) * time.Millisecond
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active configuration, useful for
// detecting whether a reload actually changed anything observable.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|maxq=%d|retries=%d|heartbeat=%d|db=%s",
		c.BindAddr, c.LogLevel, c.Queue.MaxQueueSize, c.Queue.MaxRetries,
		c.Transport.HeartbeatIntervalSeconds, c.Persistence.DBPath)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18789",
		LogLevel: "info",
		RateLimit: RateLimitConfig{
			TokensPerInterval: 10,
			IntervalSeconds:   1,
			MaxTokens:         100,
		},
		Queue: QueueConfig{
			MaxRetries:        3,
			RetryDelaySeconds: 5,
			DeadLetterQueue:   "dead-letter",
			MaxQueueSize:      1000,
			MessageTTLSeconds: 300,
		},
		PubSub: PubSubConfig{
			MaxSubscriptionsPerAgent: 100,
			MaxTopicsPerAgent:        50,
			WildcardEnabled:          true,
			DeliveryTimeoutSeconds:   5,
		},
		Transport: TransportConfig{
			HeartbeatIntervalSeconds: 30,
			PingTimeoutSeconds:       5,
		},
		Persistence: PersistenceConfig{
			CacheSize:                     1024,
			ReconciliationIntervalSeconds: 60,
			MaxStateAgeDays:               7,
			RecoveryMaxRetries:            3,
			RecoveryRetryDelayMillis:      1000,
		},
		Obs: obs.Config{
			Enabled:  false,
			Exporter: "none",
		},
	}
}

// HomeDir returns the runtime's state directory, honoring CONDUCTOR_HOME.
func HomeDir() string {
	if override := os.Getenv("CONDUCTOR_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".conductor")
}

// Load reads config.yaml from the runtime home directory, applies
// environment overrides, and normalizes zero-valued fields to defaults.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create conductor home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18789"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Persistence.DBPath == "" {
		cfg.Persistence.DBPath = filepath.Join(cfg.HomeDir, "conductor.db")
	}
	if cfg.Persistence.CacheSize <= 0 {
		cfg.Persistence.CacheSize = 1024
	}
	if cfg.Persistence.ReconciliationIntervalSeconds <= 0 {
		cfg.Persistence.ReconciliationIntervalSeconds = 60
	}
	if cfg.Persistence.RecoveryMaxRetries <= 0 {
		cfg.Persistence.RecoveryMaxRetries = 3
	}
	if cfg.Persistence.RecoveryRetryDelayMillis <= 0 {
		cfg.Persistence.RecoveryRetryDelayMillis = 1000
	}
	if cfg.Obs.Exporter == "" {
		cfg.Obs.Exporter = "none"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CONDUCTOR_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("CONDUCTOR_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CONDUCTOR_DB_PATH"); raw != "" {
		cfg.Persistence.DBPath = raw
	}
	if raw := os.Getenv("CONDUCTOR_MAX_QUEUE_SIZE"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Queue.MaxQueueSize = v
		}
	}
	if raw := os.Getenv("CONDUCTOR_OBS_ENABLED"); raw != "" {
		cfg.Obs.Enabled = raw == "1" || raw == "true"
	}
}
