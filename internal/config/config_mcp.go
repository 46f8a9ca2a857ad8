package config

import (
	"fmt"
	"time"
)

// MCPConfig configures external MCP tool servers.
type MCPConfig struct {
	Servers  map[string]MCPServerConfig `yaml:"servers"`
	Defaults MCPDefaults                `yaml:"defaults"`

	// Security overrides tool security levels. Keys are fully qualified
	// names ("server__tool"); tools without an entry default to write.
	Security map[string]string `yaml:"security"`

	Repair MCPRepairConfig `yaml:"repair"`
}

type MCPServerConfig struct {
	// Transport is "stdio" or "sse".
	Transport string `yaml:"transport"`

	// Command, Args, Env, and WorkDir configure a stdio child process.
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	WorkDir string            `yaml:"workdir"`

	// URL configures an sse server.
	URL string `yaml:"url"`

	// Timeout overrides the per-call default for this server.
	Timeout time.Duration `yaml:"timeout"`
}

// MCPDefaults are shared limits for all servers.
type MCPDefaults struct {
	Timeout           time.Duration `yaml:"timeout"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	RestartOnCrash    *bool         `yaml:"restart_on_crash"`
	MaxRestarts       int           `yaml:"max_restarts"`
	RestartDelay      time.Duration `yaml:"restart_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
}

// MCPRepairConfig controls LLM-assisted connect repair.
type MCPRepairConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Provider    string `yaml:"provider"`
	MaxAttempts int    `yaml:"max_attempts"`
}

func (c *MCPConfig) applyDefaults() {
	if c.Defaults.Timeout == 0 {
		c.Defaults.Timeout = 30 * time.Second
	}
	if c.Defaults.ConnectTimeout == 0 {
		c.Defaults.ConnectTimeout = 15 * time.Second
	}
	if c.Defaults.RestartOnCrash == nil {
		t := true
		c.Defaults.RestartOnCrash = &t
	}
	if c.Defaults.MaxRestarts == 0 {
		c.Defaults.MaxRestarts = 5
	}
	if c.Defaults.RestartDelay == 0 {
		c.Defaults.RestartDelay = time.Second
	}
	if c.Defaults.BackoffMultiplier == 0 {
		c.Defaults.BackoffMultiplier = 2.0
	}
	if c.Defaults.MaxBackoff == 0 {
		c.Defaults.MaxBackoff = time.Minute
	}
	if c.Repair.Enabled && c.Repair.MaxAttempts == 0 {
		c.Repair.MaxAttempts = 3
	}
}

func (c *MCPConfig) validate() error {
	for name, s := range c.Servers {
		switch s.Transport {
		case "stdio":
			if s.Command == "" {
				return fmt.Errorf("mcp.servers.%s: command is required for stdio transport", name)
			}
		case "sse":
			if s.URL == "" {
				return fmt.Errorf("mcp.servers.%s: url is required for sse transport", name)
			}
		default:
			return fmt.Errorf("mcp.servers.%s: transport %q is not one of stdio, sse", name, s.Transport)
		}
	}
	for qualified, level := range c.Security {
		switch level {
		case "read", "write", "sign":
		default:
			return fmt.Errorf("mcp.security.%s: level %q is not one of read, write, sign", qualified, level)
		}
	}
	return nil
}
