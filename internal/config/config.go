// ABOUTME: Configuration loading and parsing for mcp-broker
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete mcp-broker configuration.
// Default() is the single source of policy defaults; every component receives
// its knobs from here rather than re-declaring them locally.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
	Isolation IsolationConfig `yaml:"isolation"`
	Broker    BrokerConfig    `yaml:"broker"`
	Servers   ServersConfig   `yaml:"servers"`
	Skills    SkillsConfig    `yaml:"skills"`
}

// ServerConfig holds the HTTP listen address.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds optional skill-store configuration.
// An empty path keeps skills in memory only.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// IsolationConfig holds the default tenant isolation policy.
type IsolationConfig struct {
	AllowedServers        []string `yaml:"allowed_servers"`
	BlockedCapabilities   []string `yaml:"blocked_capabilities"`
	MaxConcurrentRequests int      `yaml:"max_concurrent_requests"`
	MaxMemoryMB           int64    `yaml:"max_memory_mb"`
	MaxSkills             int      `yaml:"max_skills"`
}

// BrokerConfig holds broker and connection-handler timing configuration.
type BrokerConfig struct {
	HeartbeatSweep    time.Duration `yaml:"-"`
	ActivitySweep     time.Duration `yaml:"-"`
	HeartbeatTimeout  time.Duration `yaml:"-"`
	ConnectionIdle    time.Duration `yaml:"-"`
	TenantIdle        time.Duration `yaml:"-"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ShutdownWait      time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HeartbeatSweepRaw   string `yaml:"heartbeat_sweep"`
	ActivitySweepRaw    string `yaml:"activity_sweep"`
	HeartbeatTimeoutRaw string `yaml:"heartbeat_timeout"`
	ConnectionIdleRaw   string `yaml:"connection_idle"`
	TenantIdleRaw       string `yaml:"tenant_idle"`
	ShutdownWaitRaw     string `yaml:"shutdown_wait"`
}

// ServersConfig holds per-server-type tuning.
type ServersConfig struct {
	Memory CapabilityServerConfig `yaml:"memory"`
	Fetch  CapabilityServerConfig `yaml:"fetch"`
	Tasks  CapabilityServerConfig `yaml:"tasks"`
}

// CapabilityServerConfig holds tuning for one capability server.
type CapabilityServerConfig struct {
	RetryCount         int    `yaml:"retry_count"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
	HeartbeatRaw       string `yaml:"heartbeat_interval"`
	TimeoutRaw         string `yaml:"timeout"`

	HeartbeatInterval time.Duration `yaml:"-"`
	Timeout           time.Duration `yaml:"-"`
}

// SkillsConfig holds skill-system configuration.
type SkillsConfig struct {
	Industry string `yaml:"industry"`
}

// Default returns the built-in configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{HTTPAddr: "127.0.0.1:8390"},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Isolation: IsolationConfig{
			AllowedServers:        []string{"memory", "fetch", "task-automation"},
			MaxConcurrentRequests: 10,
			MaxMemoryMB:           50,
			MaxSkills:             30,
		},
		Broker: BrokerConfig{
			HeartbeatSweep:   30 * time.Second,
			ActivitySweep:    60 * time.Second,
			HeartbeatTimeout: 120 * time.Second,
			ConnectionIdle:   30 * time.Minute,
			TenantIdle:       24 * time.Hour,
			MaxReconnects:    5,
			ShutdownWait:     30 * time.Second,
		},
		Servers: ServersConfig{
			Memory: CapabilityServerConfig{
				RetryCount:         3,
				RateLimitPerMinute: 120,
				HeartbeatInterval:  30 * time.Second,
				Timeout:            10 * time.Second,
			},
			Fetch: CapabilityServerConfig{
				RetryCount:         3,
				RateLimitPerMinute: 60,
				HeartbeatInterval:  30 * time.Second,
				Timeout:            30 * time.Second,
			},
			Tasks: CapabilityServerConfig{
				RetryCount:         2,
				RateLimitPerMinute: 30,
				HeartbeatInterval:  30 * time.Second,
				Timeout:            60 * time.Second,
			},
		},
		Skills: SkillsConfig{Industry: "solar"},
	}
}

// Load reads a configuration file from the given path and merges it over the
// defaults. Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
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

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Isolation.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("isolation.max_concurrent_requests must be positive")
	}
	if c.Isolation.MaxMemoryMB <= 0 {
		return fmt.Errorf("isolation.max_memory_mb must be positive")
	}
	if c.Isolation.MaxSkills <= 0 {
		return fmt.Errorf("isolation.max_skills must be positive")
	}
	if len(c.Isolation.AllowedServers) == 0 {
		return fmt.Errorf("isolation.allowed_servers must not be empty")
	}
	if c.Broker.MaxReconnects < 0 {
		return fmt.Errorf("broker.max_reconnects must not be negative")
	}
	return nil
}

// DefaultPolicy converts the isolation section into a policy value.
func (c *Config) DefaultPolicy() IsolationPolicyValues {
	return IsolationPolicyValues{
		AllowedServers:        append([]string(nil), c.Isolation.AllowedServers...),
		BlockedCapabilities:   append([]string(nil), c.Isolation.BlockedCapabilities...),
		MaxConcurrentRequests: c.Isolation.MaxConcurrentRequests,
		MaxMemoryBytes:        c.Isolation.MaxMemoryMB * 1024 * 1024,
		MaxSkills:             c.Isolation.MaxSkills,
	}
}

// IsolationPolicyValues mirrors mcp.IsolationPolicy without importing it,
// keeping config a leaf package.
type IsolationPolicyValues struct {
	AllowedServers        []string
	BlockedCapabilities   []string
	MaxConcurrentRequests int
	MaxMemoryBytes        int64
	MaxSkills             int
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Broker.HeartbeatSweepRaw, &cfg.Broker.HeartbeatSweep, "broker.heartbeat_sweep"},
		{cfg.Broker.ActivitySweepRaw, &cfg.Broker.ActivitySweep, "broker.activity_sweep"},
		{cfg.Broker.HeartbeatTimeoutRaw, &cfg.Broker.HeartbeatTimeout, "broker.heartbeat_timeout"},
		{cfg.Broker.ConnectionIdleRaw, &cfg.Broker.ConnectionIdle, "broker.connection_idle"},
		{cfg.Broker.TenantIdleRaw, &cfg.Broker.TenantIdle, "broker.tenant_idle"},
		{cfg.Broker.ShutdownWaitRaw, &cfg.Broker.ShutdownWait, "broker.shutdown_wait"},
		{cfg.Servers.Memory.HeartbeatRaw, &cfg.Servers.Memory.HeartbeatInterval, "servers.memory.heartbeat_interval"},
		{cfg.Servers.Memory.TimeoutRaw, &cfg.Servers.Memory.Timeout, "servers.memory.timeout"},
		{cfg.Servers.Fetch.HeartbeatRaw, &cfg.Servers.Fetch.HeartbeatInterval, "servers.fetch.heartbeat_interval"},
		{cfg.Servers.Fetch.TimeoutRaw, &cfg.Servers.Fetch.Timeout, "servers.fetch.timeout"},
		{cfg.Servers.Tasks.HeartbeatRaw, &cfg.Servers.Tasks.HeartbeatInterval, "servers.tasks.heartbeat_interval"},
		{cfg.Servers.Tasks.TimeoutRaw, &cfg.Servers.Tasks.Timeout, "servers.tasks.timeout"},
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
