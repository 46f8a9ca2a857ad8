// serve.go wires configuration into running services and owns the
// process lifecycle for the serve command.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/owliabot/owlia/internal/agent"
	"github.com/owliabot/owlia/internal/agent/providers"
	"github.com/owliabot/owlia/internal/audit"
	"github.com/owliabot/owlia/internal/channels"
	"github.com/owliabot/owlia/internal/channels/discord"
	"github.com/owliabot/owlia/internal/channels/telegram"
	"github.com/owliabot/owlia/internal/config"
	"github.com/owliabot/owlia/internal/executor"
	"github.com/owliabot/owlia/internal/gateway"
	"github.com/owliabot/owlia/internal/mcp"
	"github.com/owliabot/owlia/internal/observability"
	"github.com/owliabot/owlia/internal/policy"
	"github.com/owliabot/owlia/internal/router"
	"github.com/owliabot/owlia/internal/sessions"
	"github.com/owliabot/owlia/internal/tools"
	"github.com/owliabot/owlia/internal/tools/builtin"
	"github.com/owliabot/owlia/internal/writegate"
	"github.com/owliabot/owlia/pkg/models"
)

// runServe loads configuration, assembles every subsystem, and runs until
// a shutdown signal arrives.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	slog.SetDefault(logger)

	logger.Info("starting owlia",
		"version", version,
		"commit", commit,
		"config", configPath,
		"debug", debug)

	_, traceShutdown := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       tracingEndpoint(cfg.Tracing),
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.Tracing.Insecure,
	})
	metrics := observability.NewMetrics()

	sessionStore, err := sessions.NewFileStore(cfg.Session.Dir, logger)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}

	auditStore, err := audit.Open(filepath.Join(cfg.StateDir, "audit.jsonl"), logger)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer auditStore.Close()

	registry := tools.NewRegistry(logger)
	builtin.Register(registry, builtin.Config{Workspace: cfg.Agent.Workspace})

	engine, watcher, err := buildPolicy(cfg.Policy, logger)
	if err != nil {
		return err
	}
	if watcher != nil {
		defer watcher.Close()
	}

	channelRegistry := channels.NewRegistry()
	if err := registerChatAdapters(channelRegistry, cfg.Channels, logger); err != nil {
		return err
	}

	gate, err := writegate.New(cfg.Tools.WriteGate, channelRegistry, logger)
	if err != nil {
		return fmt.Errorf("failed to create write gate: %w", err)
	}
	defer gate.Close()

	exec := executor.New(executor.CoreServices{
		Registry:  registry,
		Policy:    engine,
		Cooldowns: policy.NewCooldownTracker(),
		Audit:     auditStore,
		Gate:      gate,
		Anomaly:   policy.NewAnomalyDetector(logger),
		Stop:      executor.NewEmergencyStop(logger),
		Metrics:   metrics,
		Logger:    logger,
	})

	provs, err := buildProviders(cfg.LLM)
	if err != nil {
		return err
	}

	manager := mcp.NewManager(
		mcpServerConfigs(cfg.MCP),
		mcpSecurity(cfg.MCP.Security),
		registry,
		buildRepairer(cfg.MCP.Repair, cfg.LLM, provs, logger),
		logger,
	)

	loop := agent.NewLoop(agent.Deps{
		Providers: provs,
		Executor:  exec,
		Registry:  registry,
		Sessions:  sessionStore,
		Metrics:   metrics,
		Logger:    logger,
	}, agent.Config{
		MaxIterations: cfg.Agent.MaxIterations,
		MaxTokens:     maxTokens(cfg.LLM),
		WallTimeout:   cfg.Agent.Timeout,
	})

	bot := router.New(router.Deps{
		Channels: channelRegistry,
		Sessions: sessionStore,
		Loop:     loop,
		Metrics:  metrics,
		Logger:   logger,
	}, router.Config{
		SystemPrompt: cfg.Agent.SystemPrompt,
		Workspace:    cfg.Agent.Workspace,
		HistoryLimit: cfg.Session.HistoryLimit,
	})

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if watcher != nil {
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to start policy watcher: %w", err)
		}
	}
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start MCP servers: %w", err)
	}
	defer manager.Stop()

	var gatewaySrv *gateway.Server
	var janitor *gateway.Janitor
	if cfg.Gateway.Enabled {
		store, err := gateway.OpenStore(cfg.Gateway.Database, logger)
		if err != nil {
			return fmt.Errorf("failed to open gateway store: %w", err)
		}
		channelRegistry.Register(gateway.NewChannel(store, cfg.Gateway.EventTTL, logger))

		gatewaySrv = gateway.NewServer(cfg.Gateway, gateway.ServerDeps{
			Store:    store,
			Registry: registry,
			Executor: exec,
			Metrics:  metrics,
			Logger:   logger,
		})
		if err := gatewaySrv.Start(ctx); err != nil {
			return fmt.Errorf("failed to start gateway: %w", err)
		}
		logger.Info("gateway listening", "addr", gatewaySrv.Addr())

		janitor = gateway.NewJanitor(store, cfg.Gateway.PairingTTL, logger)
		if err := janitor.Start(cfg.Gateway.JanitorSchedule); err != nil {
			return fmt.Errorf("failed to start janitor: %w", err)
		}
	}

	if err := channelRegistry.StartAll(ctx); err != nil {
		return fmt.Errorf("failed to start channels: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- bot.Run(ctx)
	}()
	logger.Info("owlia started")

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining")
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := channelRegistry.StopAll(shutdownCtx); err != nil {
		logger.Error("channel shutdown failed", "error", err)
	}
	if janitor != nil {
		janitor.Stop()
	}
	if gatewaySrv != nil {
		if err := gatewaySrv.Stop(shutdownCtx); err != nil {
			logger.Error("gateway shutdown failed", "error", err)
		}
	}
	if err := traceShutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown failed", "error", err)
	}

	logger.Info("owlia stopped")
	return nil
}

func tracingEndpoint(cfg config.TracingConfig) string {
	if !cfg.Enabled {
		return ""
	}
	return cfg.Endpoint
}

// buildPolicy loads the policy file when configured and optionally wraps
// the engine in a file watcher.
func buildPolicy(cfg config.PolicyConfig, logger *slog.Logger) (*policy.Engine, *policy.Watcher, error) {
	if cfg.Path == "" {
		return policy.NewEngine(nil, logger), nil, nil
	}
	policyCfg, err := policy.LoadFile(cfg.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load policy file: %w", err)
	}
	engine := policy.NewEngine(policyCfg, logger)
	if !cfg.Watch {
		return engine, nil, nil
	}
	return engine, policy.NewWatcher(cfg.Path, engine, logger), nil
}

func registerChatAdapters(reg *channels.Registry, cfg config.ChannelsConfig, logger *slog.Logger) error {
	if cfg.Telegram.Enabled {
		adapter, err := telegram.NewAdapter(telegram.Config{
			Token:            cfg.Telegram.BotToken,
			AllowedUsers:     cfg.Telegram.AllowedUsers,
			GroupMentionOnly: cfg.Telegram.GroupMentionOnly,
			Logger:           logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create telegram adapter: %w", err)
		}
		reg.Register(adapter)
	}
	if cfg.Discord.Enabled {
		adapter, err := discord.NewAdapter(discord.Config{
			Token:            cfg.Discord.BotToken,
			AllowedUsers:     cfg.Discord.AllowedUsers,
			GroupMentionOnly: cfg.Discord.GroupMentionOnly,
			Logger:           logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create discord adapter: %w", err)
		}
		reg.Register(adapter)
	}
	return nil
}

// buildProviders instantiates one provider per llm.providers entry, in
// failover order.
func buildProviders(cfg config.LLMConfig) ([]agent.Provider, error) {
	var provs []agent.Provider
	for _, id := range cfg.OrderedProviders() {
		p := cfg.Providers[id]
		switch p.Type {
		case "anthropic":
			provs = append(provs, providers.NewAnthropic(providers.AnthropicConfig{
				APIKey:   p.APIKey,
				BaseURL:  p.BaseURL,
				Model:    p.Model,
				Priority: p.Priority,
			}))
		case "openai":
			provs = append(provs, providers.NewOpenAI(providers.OpenAIConfig{
				APIKey:   p.APIKey,
				BaseURL:  p.BaseURL,
				Model:    p.Model,
				Priority: p.Priority,
			}))
		case "cli":
			provs = append(provs, providers.NewCLI(providers.CLIConfig{
				Command:  p.Command,
				Args:     p.Args,
				Name:     id,
				Priority: p.Priority,
			}))
		default:
			return nil, fmt.Errorf("llm provider %q: unknown type %q", id, p.Type)
		}
	}
	if len(provs) == 0 {
		return nil, fmt.Errorf("no llm providers configured")
	}
	return provs, nil
}

// maxTokens picks the per-completion cap from the highest-priority
// provider that sets one.
func maxTokens(cfg config.LLMConfig) int {
	for _, id := range cfg.OrderedProviders() {
		if mt := cfg.Providers[id].MaxTokens; mt > 0 {
			return mt
		}
	}
	return 0
}

// mcpServerConfigs merges shared defaults into each server entry.
func mcpServerConfigs(cfg config.MCPConfig) []mcp.ServerConfig {
	var out []mcp.ServerConfig
	for name, sc := range cfg.Servers {
		timeout := sc.Timeout
		if timeout == 0 {
			timeout = cfg.Defaults.Timeout
		}
		restart := true
		if cfg.Defaults.RestartOnCrash != nil {
			restart = *cfg.Defaults.RestartOnCrash
		}
		out = append(out, mcp.ServerConfig{
			Name:              name,
			Transport:         mcp.TransportType(sc.Transport),
			Command:           sc.Command,
			Args:              sc.Args,
			Env:               sc.Env,
			WorkDir:           sc.WorkDir,
			URL:               sc.URL,
			Timeout:           timeout,
			ConnectTimeout:    cfg.Defaults.ConnectTimeout,
			RestartOnCrash:    restart,
			MaxRestarts:       cfg.Defaults.MaxRestarts,
			RestartDelay:      cfg.Defaults.RestartDelay,
			BackoffMultiplier: cfg.Defaults.BackoffMultiplier,
			MaxBackoff:        cfg.Defaults.MaxBackoff,
		})
	}
	return out
}

func mcpSecurity(levels map[string]string) map[string]models.SecurityLevel {
	if len(levels) == 0 {
		return nil
	}
	out := make(map[string]models.SecurityLevel, len(levels))
	for name, level := range levels {
		out[name] = models.SecurityLevel(level)
	}
	return out
}

// buildRepairer wires LLM-assisted connect repair to the configured
// provider, or the first provider when none is named.
func buildRepairer(cfg config.MCPRepairConfig, llm config.LLMConfig, provs []agent.Provider, logger *slog.Logger) *mcp.Repairer {
	if !cfg.Enabled || len(provs) == 0 {
		return nil
	}
	target := provs[0]
	if cfg.Provider != "" {
		for i, id := range llm.OrderedProviders() {
			if id == cfg.Provider && i < len(provs) {
				target = provs[i]
				break
			}
		}
	}
	complete := func(ctx context.Context, prompt string) (string, error) {
		resp, err := target.Complete(ctx, &agent.CompletionRequest{
			Messages: []*models.Message{{
				Role:    models.RoleUser,
				Content: prompt,
			}},
			MaxTokens: 1024,
		})
		if err != nil {
			return "", err
		}
		return resp.Content, nil
	}
	return mcp.NewRepairer(complete, cfg.MaxAttempts, logger)
}
