package config

import (
	"fmt"
	"sort"
)

type LLMConfig struct {
	Providers map[string]LLMProviderConfig `yaml:"providers"`
}

type LLMProviderConfig struct {
	// Type selects the implementation: "anthropic", "openai", or "cli".
	// Defaults to the provider's map key when that key names a known type.
	Type string `yaml:"type"`

	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url"`
	MaxTokens int    `yaml:"max_tokens"`

	// Priority orders failover; lower is tried first.
	Priority int `yaml:"priority"`

	// Command and Args configure a CLI provider backend.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

func (c *LLMConfig) applyDefaults() {
	for id, p := range c.Providers {
		if p.Type == "" {
			switch id {
			case "anthropic", "openai", "cli":
				p.Type = id
			}
		}
		if p.MaxTokens == 0 {
			p.MaxTokens = 4096
		}
		c.Providers[id] = p
	}
}

func (c *LLMConfig) validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("llm.providers must configure at least one provider")
	}
	for id, p := range c.Providers {
		switch p.Type {
		case "anthropic", "openai":
		case "cli":
			if p.Command == "" {
				return fmt.Errorf("llm.providers.%s: command is required for cli providers", id)
			}
		default:
			return fmt.Errorf("llm.providers.%s: type %q is not one of anthropic, openai, cli", id, p.Type)
		}
	}
	return nil
}

// OrderedProviders returns provider IDs sorted ascending by priority, ties
// broken by name for stable failover order.
func (c *LLMConfig) OrderedProviders() []string {
	ids := make([]string, 0, len(c.Providers))
	for id := range c.Providers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		pi, pj := c.Providers[ids[i]].Priority, c.Providers[ids[j]].Priority
		if pi != pj {
			return pi < pj
		}
		return ids[i] < ids[j]
	})
	return ids
}
