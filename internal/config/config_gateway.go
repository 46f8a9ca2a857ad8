package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// GatewayConfig configures the HTTP device gateway.
type GatewayConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`

	// AdminToken authenticates /admin endpoints and the token exchange.
	AdminToken string `yaml:"admin_token"`

	// JWTSecret signs short-lived admin session tokens minted by
	// POST /admin/token. Defaults to the admin token when empty.
	JWTSecret string `yaml:"jwt_secret"`

	// AdminTokenTTL bounds the lifetime of minted admin session tokens.
	AdminTokenTTL time.Duration `yaml:"admin_token_ttl"`

	// Database is the SQLite file backing devices, events, idempotency
	// records, rate limits, and gateway audit logs.
	Database string `yaml:"database"`

	// EventTTL is how long an undelivered event stays pollable.
	EventTTL time.Duration `yaml:"event_ttl"`

	// PollLimit caps events returned per poll when the client sends no limit.
	PollLimit int `yaml:"poll_limit"`

	// PairingTTL is how long a pending pairing waits for approval.
	PairingTTL time.Duration `yaml:"pairing_ttl"`

	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`

	RateLimits GatewayRateLimits `yaml:"rate_limits"`

	// JanitorSchedule is a cron expression for the expiry sweep.
	JanitorSchedule string `yaml:"janitor_schedule"`
}

// GatewayRateLimits sets sliding-window request budgets per bucket.
type GatewayRateLimits struct {
	PairPerHour       int `yaml:"pair_per_hour"`
	CommandsPerMinute int `yaml:"commands_per_minute"`
	PollsPerMinute    int `yaml:"polls_per_minute"`
}

func (c *GatewayConfig) applyDefaults(stateDir string) {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 8710
	}
	if c.JWTSecret == "" {
		c.JWTSecret = c.AdminToken
	}
	if c.AdminTokenTTL == 0 {
		c.AdminTokenTTL = 15 * time.Minute
	}
	if c.Database == "" {
		c.Database = filepath.Join(stateDir, "gateway.db")
	}
	if c.EventTTL == 0 {
		c.EventTTL = 24 * time.Hour
	}
	if c.PollLimit == 0 {
		c.PollLimit = 100
	}
	if c.PairingTTL == 0 {
		c.PairingTTL = time.Hour
	}
	if c.IdempotencyTTL == 0 {
		c.IdempotencyTTL = 24 * time.Hour
	}
	if c.RateLimits.PairPerHour == 0 {
		c.RateLimits.PairPerHour = 10
	}
	if c.RateLimits.CommandsPerMinute == 0 {
		c.RateLimits.CommandsPerMinute = 60
	}
	if c.RateLimits.PollsPerMinute == 0 {
		c.RateLimits.PollsPerMinute = 120
	}
	if c.JanitorSchedule == "" {
		c.JanitorSchedule = "*/5 * * * *"
	}
}

func (c *GatewayConfig) validate() error {
	if !c.Enabled {
		return nil
	}
	if c.AdminToken == "" {
		return fmt.Errorf("gateway.admin_token is required when the gateway is enabled")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("gateway.port %d is out of range", c.Port)
	}
	return nil
}
