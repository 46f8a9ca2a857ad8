package config

import (
	"fmt"
	"path/filepath"
	"time"
)

type ToolsConfig struct {
	WriteGate WriteGateConfig `yaml:"write_gate"`
}

// WriteGateConfig controls the allowlist-plus-confirmation guard applied to
// every non-read tool call.
type WriteGateConfig struct {
	// Allowlist names the user IDs permitted to approve write-level calls.
	Allowlist []string `yaml:"allowlist"`

	// Channel is the channel ID confirmations are sent through.
	Channel string `yaml:"channel"`

	// ConfirmTimeout bounds the wait for a confirmation reply.
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`

	// DecisionLog is the JSONL file recording every gate outcome.
	DecisionLog string `yaml:"decision_log"`
}

func (c *ToolsConfig) applyDefaults(stateDir string) {
	if c.WriteGate.ConfirmTimeout == 0 {
		c.WriteGate.ConfirmTimeout = 2 * time.Minute
	}
	if c.WriteGate.DecisionLog == "" {
		c.WriteGate.DecisionLog = filepath.Join(stateDir, "writegate.jsonl")
	}
}

func (c *ToolsConfig) validate() error {
	if c.WriteGate.ConfirmTimeout < 0 {
		return fmt.Errorf("tools.write_gate.confirm_timeout must not be negative")
	}
	return nil
}

// PolicyConfig points at the tier-policy file.
type PolicyConfig struct {
	// Path is a YAML file of per-tool policies. Empty runs with defaults only.
	Path string `yaml:"path"`

	// Watch hot-reloads the policy file on change.
	Watch bool `yaml:"watch"`
}

func (c *PolicyConfig) applyDefaults() {}
