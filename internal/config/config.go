// ABOUTME: Configuration loading and parsing for consult-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete consult-gateway configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	Engine      EngineConfig      `yaml:"engine" toml:"engine"`
	Relay       RelayConfig       `yaml:"relay" toml:"relay"`
	Checkpoints CheckpointsConfig `yaml:"checkpoints" toml:"checkpoints"`
	Redis       RedisConfig       `yaml:"redis" toml:"redis"`
	Policy      PolicyConfig      `yaml:"policy" toml:"policy"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// GRPCAddr serves the gRPC health service. Empty disables it.
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// JWTSecret enables bearer token checks against the tenant/user headers when set.
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// EngineConfig describes the compute engine backend
type EngineConfig struct {
	BaseURL          string      `yaml:"base_url" toml:"base_url"`
	APIKey           string      `yaml:"api_key" toml:"api_key"`
	InteractiveRoute string      `yaml:"interactive_route" toml:"interactive_route"`
	MissionRoute     string      `yaml:"mission_route" toml:"mission_route"`
	Retry            RetryConfig `yaml:"retry" toml:"retry"`

	PreflightTimeout time.Duration `yaml:"-" toml:"-"`
	ConnectTimeout   time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	PreflightTimeoutRaw string `yaml:"preflight_timeout" toml:"preflight_timeout"`
	ConnectTimeoutRaw   string `yaml:"connect_timeout" toml:"connect_timeout"`
}

// RetryConfig bounds retries of idempotent engine reads
type RetryConfig struct {
	MaxRetries int `yaml:"max_retries" toml:"max_retries"`

	InitialBackoff time.Duration `yaml:"-" toml:"-"`
	MaxBackoff     time.Duration `yaml:"-" toml:"-"`

	InitialBackoffRaw string `yaml:"initial_backoff" toml:"initial_backoff"`
	MaxBackoffRaw     string `yaml:"max_backoff" toml:"max_backoff"`
}

// RelayConfig holds streaming relay settings
type RelayConfig struct {
	// Buffer is the number of parsed frames held between reader and forwarder.
	Buffer int `yaml:"buffer" toml:"buffer"`
}

// CheckpointsConfig holds HITL checkpoint timing
type CheckpointsConfig struct {
	DefaultTTL    time.Duration `yaml:"-" toml:"-"`
	SweepInterval time.Duration `yaml:"-" toml:"-"`

	DefaultTTLRaw    string `yaml:"default_ttl" toml:"default_ttl"`
	SweepIntervalRaw string `yaml:"sweep_interval" toml:"sweep_interval"`
}

// RedisConfig enables distributed session leases when Addr is set
type RedisConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`

	LeaseTTL    time.Duration `yaml:"-" toml:"-"`
	LeaseTTLRaw string        `yaml:"lease_ttl" toml:"lease_ttl"`
}

// PolicyConfig configures the preflight/HITL policy engine
type PolicyConfig struct {
	// File overrides the built-in rego module.
	File string `yaml:"file" toml:"file"`
	// DefaultBudgetCeiling applies to tenants without an explicit entry.
	DefaultBudgetCeiling float64                 `yaml:"default_budget_ceiling" toml:"default_budget_ceiling"`
	Tenants              map[string]TenantPolicy `yaml:"tenants" toml:"tenants"`
}

// TenantPolicy is per-tenant data fed to the policy engine
type TenantPolicy struct {
	BudgetCeiling float64  `yaml:"budget_ceiling" toml:"budget_ceiling" json:"budget_ceiling"`
	AllowedTools  []string `yaml:"allowed_tools" toml:"allowed_tools" json:"allowed_tools"`
	DataSources   []string `yaml:"data_sources" toml:"data_sources" json:"data_sources"`
	// HITLBudgetThreshold turns on checkpoints for autonomous missions at or above this budget.
	HITLBudgetThreshold float64 `yaml:"hitl_budget_threshold" toml:"hitl_budget_threshold" json:"hitl_budget_threshold"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Engine.InteractiveRoute == "" {
		c.Engine.InteractiveRoute = "/expert"
	}
	if c.Engine.MissionRoute == "" {
		c.Engine.MissionRoute = "/mission"
	}
	if c.Engine.PreflightTimeout == 0 {
		c.Engine.PreflightTimeout = 3 * time.Second
	}
	if c.Engine.ConnectTimeout == 0 {
		c.Engine.ConnectTimeout = 10 * time.Second
	}
	if c.Engine.Retry.MaxRetries == 0 {
		c.Engine.Retry.MaxRetries = 2
	}
	if c.Engine.Retry.InitialBackoff == 0 {
		c.Engine.Retry.InitialBackoff = 100 * time.Millisecond
	}
	if c.Engine.Retry.MaxBackoff == 0 {
		c.Engine.Retry.MaxBackoff = time.Second
	}
	if c.Relay.Buffer == 0 {
		c.Relay.Buffer = 64
	}
	if c.Checkpoints.DefaultTTL == 0 {
		c.Checkpoints.DefaultTTL = 30 * time.Minute
	}
	if c.Checkpoints.SweepInterval == 0 {
		c.Checkpoints.SweepInterval = 30 * time.Second
	}
	if c.Redis.LeaseTTL == 0 {
		c.Redis.LeaseTTL = 2 * time.Hour
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Engine.BaseURL == "" {
		return fmt.Errorf("engine.base_url is required")
	}
	if !strings.HasPrefix(c.Engine.BaseURL, "http://") && !strings.HasPrefix(c.Engine.BaseURL, "https://") {
		return fmt.Errorf("engine.base_url must be an http(s) URL, got %q", c.Engine.BaseURL)
	}

	if c.Relay.Buffer < 1 {
		return fmt.Errorf("relay.buffer must be positive")
	}

	if c.Engine.Retry.MaxRetries < 0 {
		return fmt.Errorf("engine.retry.max_retries must not be negative")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"engine.preflight_timeout", cfg.Engine.PreflightTimeoutRaw, &cfg.Engine.PreflightTimeout},
		{"engine.connect_timeout", cfg.Engine.ConnectTimeoutRaw, &cfg.Engine.ConnectTimeout},
		{"engine.retry.initial_backoff", cfg.Engine.Retry.InitialBackoffRaw, &cfg.Engine.Retry.InitialBackoff},
		{"engine.retry.max_backoff", cfg.Engine.Retry.MaxBackoffRaw, &cfg.Engine.Retry.MaxBackoff},
		{"checkpoints.default_ttl", cfg.Checkpoints.DefaultTTLRaw, &cfg.Checkpoints.DefaultTTL},
		{"checkpoints.sweep_interval", cfg.Checkpoints.SweepIntervalRaw, &cfg.Checkpoints.SweepInterval},
		{"redis.lease_ttl", cfg.Redis.LeaseTTLRaw, &cfg.Redis.LeaseTTL},
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

// DefaultPath returns the config location following the priority
// CONSULT_CONFIG > XDG_CONFIG_HOME/consult/gateway.yaml > ~/.config/consult/gateway.yaml
func DefaultPath() string {
	if p := os.Getenv("CONSULT_CONFIG"); p != "" {
		return p
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		configDir = filepath.Join(home, ".config")
	}

	return filepath.Join(configDir, "consult", "gateway.yaml")
}
