package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for Owlia.
type Config struct {
	StateDir string         `yaml:"state_dir"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Channels ChannelsConfig `yaml:"channels"`
	LLM      LLMConfig      `yaml:"llm"`
	Agent    AgentConfig    `yaml:"agent"`
	Tools    ToolsConfig    `yaml:"tools"`
	Policy   PolicyConfig   `yaml:"policy"`
	MCP      MCPConfig      `yaml:"mcp"`
	Session  SessionConfig  `yaml:"session"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// Load reads, expands, parses, defaults, and validates the configuration file.
// Unknown fields are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes raw YAML config bytes. Environment references (${VAR} or
// $VAR) are expanded before decoding.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)

	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		if err == io.EOF {
			cfg = Config{}
		} else {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.StateDir == "" {
		cfg.StateDir = ".owlia"
	}

	cfg.Gateway.applyDefaults(cfg.StateDir)
	cfg.LLM.applyDefaults()
	cfg.Agent.applyDefaults()
	cfg.Tools.applyDefaults(cfg.StateDir)
	cfg.Policy.applyDefaults()
	cfg.MCP.applyDefaults()
	cfg.Session.applyDefaults(cfg.StateDir)

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "owlia"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
}

// Validate checks cross-field constraints. It runs after defaults are applied.
func (c *Config) Validate() error {
	if err := c.Logging.validate(); err != nil {
		return err
	}
	if err := c.Channels.validate(); err != nil {
		return err
	}
	if err := c.LLM.validate(); err != nil {
		return err
	}
	if err := c.Agent.validate(); err != nil {
		return err
	}
	if err := c.Gateway.validate(); err != nil {
		return err
	}
	if err := c.Tools.validate(); err != nil {
		return err
	}
	if err := c.MCP.validate(); err != nil {
		return err
	}
	return nil
}

// AuditLogPath is the append-only audit log location under the state dir.
func (c *Config) AuditLogPath() string {
	return filepath.Join(c.StateDir, "audit.jsonl")
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func (c *LoggingConfig) validate() error {
	switch c.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Level)
	}
	switch c.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format %q is not one of json, text", c.Format)
	}
	return nil
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	ServiceVersion string  `yaml:"service_version"`
	Environment    string  `yaml:"environment"`
	SamplingRate   float64 `yaml:"sampling_rate"`
	Insecure       bool    `yaml:"insecure"`
}

// MetricsConfig controls the Prometheus endpoint exposed by the gateway.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// SessionConfig controls session and transcript storage.
type SessionConfig struct {
	// Dir is the directory holding one JSONL transcript file per session ID.
	Dir string `yaml:"dir"`

	// HistoryLimit is the number of transcript messages replayed into the
	// model context on each turn.
	HistoryLimit int `yaml:"history_limit"`
}

func (c *SessionConfig) applyDefaults(stateDir string) {
	if c.Dir == "" {
		c.Dir = filepath.Join(stateDir, "sessions")
	}
	if c.HistoryLimit == 0 {
		c.HistoryLimit = 50
	}
}

// AgentConfig controls the agent loop.
type AgentConfig struct {
	// SystemPrompt is prepended to every conversation.
	SystemPrompt string `yaml:"system_prompt"`

	// Workspace is the directory file tools operate in.
	Workspace string `yaml:"workspace"`

	// MaxIterations limits LLM calls per run. One call is one iteration.
	MaxIterations int `yaml:"max_iterations"`

	// Timeout is the wall-clock budget for a whole run.
	Timeout time.Duration `yaml:"timeout"`
}

func (c *AgentConfig) applyDefaults() {
	if c.MaxIterations == 0 {
		c.MaxIterations = 10
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Minute
	}
	if c.Workspace == "" {
		c.Workspace = "."
	}
}

func (c *AgentConfig) validate() error {
	if c.MaxIterations < 1 {
		return fmt.Errorf("agent.max_iterations must be at least 1, got %d", c.MaxIterations)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("agent.timeout must not be negative")
	}
	return nil
}
