// Package policy decides whether a tool invocation is allowed, needs a
// higher-tier confirmation, or is denied outright.
//
// Tiers run 1..3 with 1 the most privileged: a decision whose effective tier
// is lower-numbered than the signer can provide must be escalated. The engine
// holds no state of its own; callers supply the spend and denial history in
// an EscalationContext, and the engine returns a Decision without touching
// any store.
package policy

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Action is the outcome class of a policy decision.
type Action string

const (
	ActionAllow    Action = "allow"
	ActionConfirm  Action = "confirm"
	ActionEscalate Action = "escalate"
	ActionDeny     Action = "deny"
)

// Tier bounds. Tier 1 is the most privileged.
const (
	TierHighest = 1
	TierLowest  = 3
)

// Cooldown is a per-tool, per-user invocation budget.
type Cooldown struct {
	// Max is the number of calls admitted per window. Zero disables the
	// cooldown.
	Max int `yaml:"max" json:"max"`

	// Window is the sliding window the budget applies to.
	Window time.Duration `yaml:"window" json:"window"`
}

// Policy is the per-tool rule set.
type Policy struct {
	Tool string `yaml:"tool" json:"tool"`

	// Tier a signer must hold to run the tool without escalation.
	// Zero means the engine default.
	Tier int `yaml:"tier" json:"tier"`

	// AllowedUsers restricts the tool to an explicit user list. Nil or
	// empty means no restriction; enforcement happens in the executor.
	AllowedUsers []string `yaml:"allowed_users" json:"allowed_users,omitempty"`

	Cooldown *Cooldown `yaml:"cooldown" json:"cooldown,omitempty"`

	// DailyLimitUSD caps the summed successful spend per user per UTC day.
	// Zero means unlimited.
	DailyLimitUSD float64 `yaml:"daily_limit_usd" json:"daily_limit_usd,omitempty"`
}

// Decision is the engine's verdict on one invocation.
type Decision struct {
	Action Action `json:"action"`

	// Tier is the tier the matched policy assigns to the tool.
	Tier int `json:"tier"`

	// EffectiveTier is the tier after amount and anomaly escalation. It is
	// never higher-numbered than Tier.
	EffectiveTier int `json:"effective_tier"`

	// SignerTier is the tier a confirming signer must hold; equal to
	// EffectiveTier.
	SignerTier int `json:"signer_tier"`

	Reason string `json:"reason,omitempty"`
}

// EscalationContext carries the history the engine weighs. The executor
// assembles it from the audit store and the anomaly detector before calling
// Decide.
type EscalationContext struct {
	User string

	// AmountUSD is the USD amount extracted from the call arguments, zero
	// when the call carries none.
	AmountUSD float64

	// DailySpentUSD is the user's summed successful spend since UTC
	// midnight.
	DailySpentUSD float64

	// ConsecutiveDenials counts the unbroken run of denied or escalated
	// outcomes at the tail of the user's audit history.
	ConsecutiveDenials int

	// AnomalyPressure raises the effective tier by that many steps.
	AnomalyPressure int
}

// Config is the engine's rule table, normally loaded from a YAML file.
type Config struct {
	// DefaultTier applies to tools without an explicit policy.
	DefaultTier int `yaml:"default_tier"`

	// AmountTier2USD and AmountTier1USD are the spend thresholds at which
	// a call escalates to tier 2 / tier 1 regardless of the tool's own
	// tier. Zero disables the threshold.
	AmountTier2USD float64 `yaml:"amount_tier2_usd"`
	AmountTier1USD float64 `yaml:"amount_tier1_usd"`

	// DenialEscalationThreshold is the consecutive-denial count at which
	// the effective tier rises one step. Zero means the default of 3.
	DenialEscalationThreshold int `yaml:"denial_escalation_threshold"`

	Tools []Policy `yaml:"tools"`
}

func (c *Config) applyDefaults() {
	if c.DefaultTier < TierHighest || c.DefaultTier > TierLowest {
		c.DefaultTier = TierLowest
	}
	if c.DenialEscalationThreshold <= 0 {
		c.DenialEscalationThreshold = 3
	}
}

// Validate checks the rule table for out-of-range tiers and duplicates.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Tools))
	for _, p := range c.Tools {
		if p.Tool == "" {
			return fmt.Errorf("policy: tool name is required")
		}
		if seen[p.Tool] {
			return fmt.Errorf("policy: duplicate policy for tool %q", p.Tool)
		}
		seen[p.Tool] = true
		if p.Tier != 0 && (p.Tier < TierHighest || p.Tier > TierLowest) {
			return fmt.Errorf("policy: tool %q tier %d is out of range 1..3", p.Tool, p.Tier)
		}
		if p.Cooldown != nil && p.Cooldown.Max > 0 && p.Cooldown.Window <= 0 {
			return fmt.Errorf("policy: tool %q cooldown window must be positive", p.Tool)
		}
		if p.DailyLimitUSD < 0 {
			return fmt.Errorf("policy: tool %q daily_limit_usd must not be negative", p.Tool)
		}
	}
	if c.AmountTier1USD != 0 && c.AmountTier2USD != 0 && c.AmountTier1USD < c.AmountTier2USD {
		return fmt.Errorf("policy: amount_tier1_usd must not be below amount_tier2_usd")
	}
	return nil
}

// LoadFile reads and validates a policy file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Engine evaluates tool invocations against the rule table. The table can be
// swapped atomically at runtime by the file watcher.
type Engine struct {
	mu     sync.RWMutex
	cfg    Config
	byTool map[string]Policy
	logger *slog.Logger
}

// NewEngine builds an engine from a validated config.
func NewEngine(cfg *Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{logger: logger.With("component", "policy")}
	if cfg == nil {
		cfg = &Config{}
		cfg.applyDefaults()
	}
	e.swapLocked(*cfg)
	return e
}

// Swap replaces the rule table. Decisions in flight keep the table they
// started with.
func (e *Engine) Swap(cfg *Config) {
	if cfg == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.swapLocked(*cfg)
	e.logger.Info("policy table swapped", "tools", len(cfg.Tools))
}

func (e *Engine) swapLocked(cfg Config) {
	cfg.applyDefaults()
	byTool := make(map[string]Policy, len(cfg.Tools))
	for _, p := range cfg.Tools {
		if p.Tier == 0 {
			p.Tier = cfg.DefaultTier
		}
		byTool[p.Tool] = p
	}
	e.cfg = cfg
	e.byTool = byTool
}

// Resolve returns the policy for a tool and whether an explicit entry exists.
// Tools without an entry get a synthetic default-tier policy.
func (e *Engine) Resolve(tool string) (Policy, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if p, ok := e.byTool[tool]; ok {
		return p, true
	}
	return Policy{Tool: tool, Tier: e.cfg.DefaultTier}, false
}

// Decide evaluates one invocation. Unknown tools fall through to the default
// tier and are allowed here; security-level gating happens elsewhere.
func (e *Engine) Decide(tool string, esc EscalationContext) Decision {
	e.mu.RLock()
	cfg := e.cfg
	p, _ := e.byTool[tool]
	e.mu.RUnlock()

	tier := p.Tier
	if tier == 0 {
		tier = cfg.DefaultTier
	}

	if p.DailyLimitUSD > 0 && esc.DailySpentUSD+esc.AmountUSD > p.DailyLimitUSD {
		return Decision{
			Action:        ActionDeny,
			Tier:          tier,
			EffectiveTier: tier,
			SignerTier:    tier,
			Reason: fmt.Sprintf("daily-limit-exceeded: %.2f of %.2f USD spent today",
				esc.DailySpentUSD, p.DailyLimitUSD),
		}
	}

	effective := tier
	if cfg.AmountTier1USD > 0 && esc.AmountUSD >= cfg.AmountTier1USD {
		effective = raiseTo(effective, 1)
	} else if cfg.AmountTier2USD > 0 && esc.AmountUSD >= cfg.AmountTier2USD {
		effective = raiseTo(effective, 2)
	}
	if esc.ConsecutiveDenials >= cfg.DenialEscalationThreshold {
		effective = raiseBy(effective, 1)
	}
	if esc.AnomalyPressure > 0 {
		effective = raiseBy(effective, esc.AnomalyPressure)
	}

	if effective < tier {
		return Decision{
			Action:        ActionEscalate,
			Tier:          tier,
			EffectiveTier: effective,
			SignerTier:    effective,
			Reason:        fmt.Sprintf("requires Tier %d confirmation", effective),
		}
	}

	return Decision{Action: ActionAllow, Tier: tier, EffectiveTier: effective, SignerTier: effective}
}

// raiseTo moves a tier to target if target is more privileged.
func raiseTo(tier, target int) int {
	if target < tier {
		return target
	}
	return tier
}

// raiseBy moves a tier the given number of steps toward tier 1.
func raiseBy(tier, steps int) int {
	tier -= steps
	if tier < TierHighest {
		return TierHighest
	}
	return tier
}
