// Package config loads and validates switchboard.yaml / .json5: file
// format detection by extension, $include fragment merging with cycle
// detection, environment expansion over the raw bytes, and an fsnotify
// watcher for live server toggles.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/haasonsaas/switchboard/internal/mcp"
)

// EnvConfigPath overrides the config location when --config is not given.
const EnvConfigPath = "SWITCHBOARD_CONFIG"

// DefaultPath is used when neither the flag nor the env var is set.
const DefaultPath = "switchboard.yaml"

// Config is the root of switchboard.yaml.
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	LLM           LLMConfig           `yaml:"llm" json:"llm"`
	Loop          LoopConfig          `yaml:"loop" json:"loop"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
	Health        HealthConfig        `yaml:"health" json:"health"`
	Watch         bool                `yaml:"watch" json:"watch,omitempty"`
	MCPServers    []mcp.ServerConfig  `yaml:"mcp_servers" json:"mcp_servers"`
}

// ServerConfig is the HTTP bind address.
type ServerConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

// Addr renders host:port for net/http.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LLMConfig selects and configures completion providers.
type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider" json:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers" json:"providers"`
}

// LLMProviderConfig holds one provider's credentials and model default.
type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key" json:"api_key,omitempty"`
	DefaultModel string `yaml:"default_model" json:"default_model,omitempty"`
	BaseURL      string `yaml:"base_url" json:"base_url,omitempty"`
}

// LoopConfig tunes the tool invocation loop.
type LoopConfig struct {
	MaxIterations  int          `yaml:"max_iterations" json:"max_iterations,omitempty"`
	HistoryWindow  int          `yaml:"history_window" json:"history_window,omitempty"`
	ToolTimeout    mcp.Duration `yaml:"tool_timeout" json:"tool_timeout,omitempty"`
	LLMMaxAttempts int          `yaml:"llm_max_attempts" json:"llm_max_attempts,omitempty"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level,omitempty"`
	Dir   string `yaml:"dir" json:"dir,omitempty"`
}

// ObservabilityConfig controls tracing and metrics.
type ObservabilityConfig struct {
	Tracing        TracingConfig `yaml:"tracing" json:"tracing"`
	MetricsEnabled bool          `yaml:"metrics_enabled" json:"metrics_enabled,omitempty"`
}

// TracingConfig points at an OTLP gRPC collector. An empty endpoint
// disables export.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint" json:"endpoint,omitempty"`
	SamplingRate float64 `yaml:"sampling_rate" json:"sampling_rate,omitempty"`
}

// HealthConfig tunes the MCP health sweeper.
type HealthConfig struct {
	Interval mcp.Duration  `yaml:"interval" json:"interval,omitempty"`
	Restart  RestartConfig `yaml:"restart" json:"restart"`
}

// RestartConfig controls automatic restart of crashed servers.
type RestartConfig struct {
	Enabled     bool `yaml:"enabled" json:"enabled,omitempty"`
	MaxAttempts int  `yaml:"max_attempts" json:"max_attempts,omitempty"`
}

// ResolvePath picks the config file: explicit flag value, then the
// SWITCHBOARD_CONFIG env var, then switchboard.yaml.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}
	return DefaultPath
}

// Load reads, merges, decodes, defaults, and validates a config file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8787
	}
	if c.LLM.DefaultProvider == "" {
		c.LLM.DefaultProvider = "anthropic"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = os.Getenv("SWITCHBOARD_LOG_DIR")
	}
	if c.Health.Interval == 0 {
		c.Health.Interval = mcp.Duration(30 * time.Second)
	}
	if c.Health.Restart.MaxAttempts == 0 {
		c.Health.Restart.MaxAttempts = 5
	}
	if c.Loop.ToolTimeout == 0 {
		c.Loop.ToolTimeout = mcp.Duration(60 * time.Second)
	}

	// Fill provider API keys from the conventional env vars when the file
	// leaves them empty.
	envKeys := map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
		"google":    "GEMINI_API_KEY",
	}
	for name, envVar := range envKeys {
		key := os.Getenv(envVar)
		if key == "" {
			continue
		}
		provider := c.LLM.Providers[name]
		if provider.APIKey == "" {
			provider.APIKey = key
			if c.LLM.Providers == nil {
				c.LLM.Providers = make(map[string]LLMProviderConfig)
			}
			c.LLM.Providers[name] = provider
		}
	}
}

// Validate rejects configs the host cannot run with. Callers map the
// error to exit code 2.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}

	seen := make(map[string]bool, len(c.MCPServers))
	for i := range c.MCPServers {
		server := &c.MCPServers[i]
		if server.Name == "" {
			return fmt.Errorf("mcp_servers[%d]: name is required", i)
		}
		if seen[server.Name] {
			return fmt.Errorf("mcp_servers: duplicate name %q", server.Name)
		}
		seen[server.Name] = true

		transport := server.Transport
		if transport == "" {
			transport = mcp.TransportStdio
		}
		switch transport {
		case mcp.TransportStdio:
			if server.Command == "" {
				return fmt.Errorf("mcp_servers[%s]: stdio transport requires command", server.Name)
			}
		case mcp.TransportHTTP, mcp.TransportWebSocket:
			if server.URL == "" {
				return fmt.Errorf("mcp_servers[%s]: %s transport requires url", server.Name, transport)
			}
		default:
			return fmt.Errorf("mcp_servers[%s]: unknown transport %q", server.Name, server.Transport)
		}
	}

	if c.LLM.DefaultProvider != "" {
		switch strings.ToLower(c.LLM.DefaultProvider) {
		case "anthropic", "openai", "google", "ollama":
		default:
			return fmt.Errorf("llm.default_provider: unknown provider %q", c.LLM.DefaultProvider)
		}
	}

	if rate := c.Observability.Tracing.SamplingRate; rate < 0 || rate > 1 {
		return fmt.Errorf("observability.tracing.sampling_rate %v out of [0,1]", rate)
	}
	return nil
}

// ServerByName finds one MCP server entry.
func (c *Config) ServerByName(name string) (*mcp.ServerConfig, bool) {
	for i := range c.MCPServers {
		if c.MCPServers[i].Name == name {
			return &c.MCPServers[i], true
		}
	}
	return nil, false
}
