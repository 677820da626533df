// ABOUTME: Configuration loading and parsing for ember-bridge
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete ember-bridge configuration
type Config struct {
	Transport  TransportConfig  `yaml:"transport"`
	Redis      RedisConfig      `yaml:"redis"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	Agent      AgentConfig      `yaml:"agent"`
	Delivery   DeliveryConfig   `yaml:"delivery"`
	Watchdog   WatchdogConfig   `yaml:"watchdog"`
	MCP        MCPConfig        `yaml:"mcp"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Server     ServerConfig     `yaml:"server"`
	SessionLog SessionLogConfig `yaml:"session_log"`
}

// TransportConfig holds the chat transport configuration
type TransportConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelegramConfig holds Telegram Bot API configuration
type TelegramConfig struct {
	BotToken  string `yaml:"bot_token"`
	BotHandle string `yaml:"bot_handle"` // e.g. "@ember_bridge_bot", stripped from inbound text
}

// RedisConfig holds the KV backing store configuration
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Namespace string `yaml:"namespace"` // "prod", "test", or custom
}

// ArchiveConfig holds the durable SQLite archive configuration
type ArchiveConfig struct {
	Path string `yaml:"path"`
}

// BridgeConfig holds the core pipeline tuning knobs
type BridgeConfig struct {
	WorkerConcurrency int    `yaml:"worker_concurrency"`
	ProjectKey        string `yaml:"project_key"`
	ReenrichOnReplay  string `yaml:"reenrich_on_replay"` // "skip" (default) or "retry"

	EnrichmentTimeout      time.Duration `yaml:"-"`
	ShutdownGracePeriod    time.Duration `yaml:"-"`
	SessionResumeWindow    time.Duration `yaml:"-"` // defaults to watchdog.silence_threshold
	EnrichmentTimeoutRaw   string        `yaml:"enrichment_timeout"`
	ShutdownGraceRaw       string        `yaml:"shutdown_grace_period"`
	SessionResumeWindowRaw string        `yaml:"session_resume_window"`
}

// AgentConfig holds the coding agent subprocess configuration
type AgentConfig struct {
	Command []string `yaml:"command"`
	WorkDir string   `yaml:"work_dir"`
}

// DeliveryConfig holds outbound delivery configuration
type DeliveryConfig struct {
	MaxChunkChars int `yaml:"max_chunk_chars"`
	RetryMax      int `yaml:"retry_max"`
}

// WatchdogConfig holds session health monitoring configuration
type WatchdogConfig struct {
	Interval          time.Duration `yaml:"-"`
	SilenceThreshold  time.Duration `yaml:"-"`
	DurationThreshold time.Duration `yaml:"-"`
	AlertCooldown     time.Duration `yaml:"-"`
	DormantAfter      time.Duration `yaml:"-"`

	LoopThreshold         int `yaml:"loop_threshold"`
	ErrorCascadeThreshold int `yaml:"error_cascade_threshold"`
	ErrorCascadeWindow    int `yaml:"error_cascade_window"`

	IntervalRaw          string `yaml:"interval"`
	SilenceThresholdRaw  string `yaml:"silence_threshold"`
	DurationThresholdRaw string `yaml:"duration_threshold"`
	AlertCooldownRaw     string `yaml:"alert_cooldown"`
	DormantAfterRaw      string `yaml:"dormant_after"`
}

// MCPConfig holds MCP orchestrator configuration
type MCPConfig struct {
	RegistryPath              string `yaml:"registry_path"` // TOML server registry file
	EnableInterServerMessages bool   `yaml:"enable_inter_server_messaging"`
	EnableLoadBalancing       bool   `yaml:"enable_load_balancing"`

	HealthCheckInterval    time.Duration `yaml:"-"`
	HealthCheckIntervalRaw string        `yaml:"health_check_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ServerConfig holds the HTTP listener configuration (health + metrics)
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// SessionLogConfig holds tool-use log configuration
type SessionLogConfig struct {
	Dir string `yaml:"dir"` // root for logs/sessions/<session_id>/tool_use.jsonl
}

// Default returns a Config with every tunable at its documented default.
func Default() *Config {
	return &Config{
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			Namespace: "prod",
		},
		Archive: ArchiveConfig{
			Path: "data/archive.db",
		},
		Bridge: BridgeConfig{
			WorkerConcurrency:   8,
			ProjectKey:          "default",
			ReenrichOnReplay:    "skip",
			EnrichmentTimeout:   120 * time.Second,
			ShutdownGracePeriod: 30 * time.Second,
		},
		Delivery: DeliveryConfig{
			MaxChunkChars: 4096,
			RetryMax:      3,
		},
		Watchdog: WatchdogConfig{
			Interval:              300 * time.Second,
			SilenceThreshold:      600 * time.Second,
			DurationThreshold:     7200 * time.Second,
			AlertCooldown:         1800 * time.Second,
			DormantAfter:          4 * time.Hour,
			LoopThreshold:         5,
			ErrorCascadeThreshold: 5,
			ErrorCascadeWindow:    20,
		},
		MCP: MCPConfig{
			EnableInterServerMessages: true,
			EnableLoadBalancing:       true,
			HealthCheckInterval:       30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Server: ServerConfig{
			HTTPAddr: "localhost:8135",
		},
		SessionLog: SessionLogConfig{
			Dir: "logs",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values, and defaults are
// applied for every field left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// The resume window follows the silence threshold unless set explicitly.
	if cfg.Bridge.SessionResumeWindow == 0 {
		cfg.Bridge.SessionResumeWindow = cfg.Watchdog.SilenceThreshold
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Transport.Telegram.BotToken == "" {
		return fmt.Errorf("transport.telegram.bot_token is required")
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}

	if c.Redis.Namespace == "" {
		return fmt.Errorf("redis.namespace is required")
	}

	if c.Archive.Path == "" {
		return fmt.Errorf("archive.path is required")
	}

	if c.Bridge.WorkerConcurrency < 1 {
		return fmt.Errorf("bridge.worker_concurrency must be at least 1")
	}

	switch c.Bridge.ReenrichOnReplay {
	case "skip", "retry":
	default:
		return fmt.Errorf("bridge.reenrich_on_replay must be %q or %q, got %q", "skip", "retry", c.Bridge.ReenrichOnReplay)
	}

	if c.Delivery.MaxChunkChars < 64 {
		return fmt.Errorf("delivery.max_chunk_chars must be at least 64")
	}

	if c.Watchdog.ErrorCascadeWindow < c.Watchdog.ErrorCascadeThreshold {
		return fmt.Errorf("watchdog.error_cascade_window must be >= watchdog.error_cascade_threshold")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Bridge.EnrichmentTimeoutRaw, &cfg.Bridge.EnrichmentTimeout, "bridge.enrichment_timeout"},
		{cfg.Bridge.ShutdownGraceRaw, &cfg.Bridge.ShutdownGracePeriod, "bridge.shutdown_grace_period"},
		{cfg.Bridge.SessionResumeWindowRaw, &cfg.Bridge.SessionResumeWindow, "bridge.session_resume_window"},
		{cfg.Watchdog.IntervalRaw, &cfg.Watchdog.Interval, "watchdog.interval"},
		{cfg.Watchdog.SilenceThresholdRaw, &cfg.Watchdog.SilenceThreshold, "watchdog.silence_threshold"},
		{cfg.Watchdog.DurationThresholdRaw, &cfg.Watchdog.DurationThreshold, "watchdog.duration_threshold"},
		{cfg.Watchdog.AlertCooldownRaw, &cfg.Watchdog.AlertCooldown, "watchdog.alert_cooldown"},
		{cfg.Watchdog.DormantAfterRaw, &cfg.Watchdog.DormantAfter, "watchdog.dormant_after"},
		{cfg.MCP.HealthCheckIntervalRaw, &cfg.MCP.HealthCheckInterval, "mcp.health_check_interval"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
