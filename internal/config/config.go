// Package config handles toolbridge configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/nugget/toolbridge/internal/breaker"
	"github.com/nugget/toolbridge/internal/mcp"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/toolbridge/config.yaml,
// /etc/toolbridge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "toolbridge", "config.yaml"))
	}

	paths = append(paths, "/etc/toolbridge/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all toolbridge configuration.
type Config struct {
	DataDir   string        `yaml:"data_dir"`
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"` // text (default) or json
	MCP       MCPConfig     `yaml:"mcp"`
	Metrics   MetricsConfig `yaml:"metrics"`
}

// MCPConfig holds the MCP manager settings.
type MCPConfig struct {
	// RequestTimeoutMS bounds each JSON-RPC exchange (default 30000).
	RequestTimeoutMS int `yaml:"request_timeout_ms"`
	// TestConnectionTimeoutMS bounds a whole connection probe (default 30000).
	TestConnectionTimeoutMS int `yaml:"test_connection_timeout_ms"`
	// HealthIntervalSeconds is how often serve health-checks live
	// servers. Zero disables the monitor.
	HealthIntervalSeconds int           `yaml:"health_interval_seconds"`
	Breaker               BreakerConfig `yaml:"breaker"`
	// Servers are imported into the store on startup unless a server
	// with the same name is already persisted.
	Servers []mcp.ServerConfig `yaml:"servers"`
}

// BreakerConfig is the per-server circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	CooldownSeconds  int `yaml:"cooldown_seconds"`
	SuccessThreshold int `yaml:"success_threshold"`
}

// MetricsConfig controls the Prometheus listener.
type MetricsConfig struct {
	// Listen is the address for /metrics, e.g. "127.0.0.1:9464".
	// Empty disables the listener.
	Listen string `yaml:"listen"`
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded, then defaults are applied to unset fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	d := breaker.DefaultConfig()
	return &Config{
		DataDir:   "./data",
		LogLevel:  "info",
		LogFormat: "text",
		MCP: MCPConfig{
			RequestTimeoutMS:        int(mcp.DefaultRequestTimeout / time.Millisecond),
			TestConnectionTimeoutMS: int(mcp.DefaultTestTimeout / time.Millisecond),
			HealthIntervalSeconds:   60,
			Breaker: BreakerConfig{
				FailureThreshold: int(d.FailureThreshold),
				CooldownSeconds:  int(d.Cooldown / time.Second),
				SuccessThreshold: int(d.SuccessThreshold),
			},
		},
	}
}

// applyDefaults fills fields an explicit YAML zero value left empty.
func (c *Config) applyDefaults() {
	d := Default()
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.LogFormat == "" {
		c.LogFormat = d.LogFormat
	}
	for i := range c.MCP.Servers {
		if c.MCP.Servers[i].Env == nil {
			c.MCP.Servers[i].Env = map[string]string{}
		}
	}
}

// Validate checks the configuration for values that would fail at
// runtime. All problems are reported together.
func (c *Config) Validate() error {
	var result *multierror.Error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		result = multierror.Append(result, fmt.Errorf("log_level: %w", err))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		result = multierror.Append(result, fmt.Errorf("log_format: %q (expected text or json)", c.LogFormat))
	}
	if c.MCP.RequestTimeoutMS <= 0 {
		result = multierror.Append(result, fmt.Errorf("mcp.request_timeout_ms must be positive, got %d", c.MCP.RequestTimeoutMS))
	}
	if c.MCP.TestConnectionTimeoutMS <= 0 {
		result = multierror.Append(result, fmt.Errorf("mcp.test_connection_timeout_ms must be positive, got %d", c.MCP.TestConnectionTimeoutMS))
	}
	if c.MCP.HealthIntervalSeconds < 0 {
		result = multierror.Append(result, fmt.Errorf("mcp.health_interval_seconds must not be negative, got %d", c.MCP.HealthIntervalSeconds))
	}

	b := c.MCP.Breaker
	if b.FailureThreshold < 0 || b.CooldownSeconds < 0 || b.SuccessThreshold < 0 {
		result = multierror.Append(result, fmt.Errorf("mcp.breaker: thresholds and cooldown must not be negative"))
	}

	seen := make(map[string]bool, len(c.MCP.Servers))
	for i, s := range c.MCP.Servers {
		if err := s.Validate(); err != nil {
			result = multierror.Append(result, fmt.Errorf("mcp.servers[%d]: %w", i, err))
			continue
		}
		if seen[s.Name] {
			result = multierror.Append(result, fmt.Errorf("mcp.servers[%d]: duplicate server name %q", i, s.Name))
		}
		seen[s.Name] = true
	}

	return result.ErrorOrNil()
}

// RequestTimeout returns mcp.request_timeout_ms as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.MCP.RequestTimeoutMS) * time.Millisecond
}

// TestConnectionTimeout returns mcp.test_connection_timeout_ms as a duration.
func (c *Config) TestConnectionTimeout() time.Duration {
	return time.Duration(c.MCP.TestConnectionTimeoutMS) * time.Millisecond
}

// HealthInterval returns mcp.health_interval_seconds as a duration.
func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.MCP.HealthIntervalSeconds) * time.Second
}

// BreakerConfig converts the YAML thresholds to a breaker.Config. Zero
// fields fall back to breaker defaults.
func (c *Config) BreakerConfig() breaker.Config {
	b := c.MCP.Breaker
	return breaker.Config{
		FailureThreshold: uint32(b.FailureThreshold),
		Cooldown:         time.Duration(b.CooldownSeconds) * time.Second,
		SuccessThreshold: uint32(b.SuccessThreshold),
	}
}

// DatabasePath returns the location of the sqlite database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "toolbridge.db")
}
