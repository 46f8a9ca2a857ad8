package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

const repairRunTimeout = 60 * time.Second

// CompletionFunc asks an LLM for a single completion. The agent layer
// supplies one so this package stays provider-agnostic.
type CompletionFunc func(ctx context.Context, prompt string) (string, error)

// Repairer tries to fix a server that failed its initial connect by
// asking an LLM for a shell command (install a missing binary, fetch a
// package) and retrying the connect after running it.
type Repairer struct {
	complete    CompletionFunc
	maxAttempts int
	run         func(ctx context.Context, command string) ([]byte, error)
	logger      *slog.Logger
}

func NewRepairer(complete CompletionFunc, maxAttempts int, logger *slog.Logger) *Repairer {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Repairer{
		complete:    complete,
		maxAttempts: maxAttempts,
		run:         runShell,
		logger:      logger,
	}
}

// Repair drives up to maxAttempts suggest-run-reconnect rounds. It
// returns nil as soon as reconnect succeeds, otherwise the last error.
func (r *Repairer) Repair(ctx context.Context, cfg ServerConfig, reconnect func(context.Context) error, cause error) error {
	lastErr := cause
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.logger.Info("attempting mcp auto-repair",
			"server", cfg.Name,
			"attempt", attempt,
			"max", r.maxAttempts,
			"cause", lastErr)

		command, err := r.suggest(ctx, cfg, lastErr)
		if err != nil {
			r.logger.Warn("mcp repair suggestion failed", "server", cfg.Name, "err", err)
			return lastErr
		}
		if command == "" {
			r.logger.Warn("mcp repair produced no command", "server", cfg.Name)
			return lastErr
		}

		r.logger.Info("running mcp repair command", "server", cfg.Name, "command", command)
		runCtx, cancel := context.WithTimeout(ctx, repairRunTimeout)
		out, runErr := r.run(runCtx, command)
		cancel()
		if len(out) > 0 {
			r.logger.Debug("mcp repair command output", "server", cfg.Name, "output", truncateOutput(out))
		}
		if runErr != nil {
			r.logger.Warn("mcp repair command failed", "server", cfg.Name, "err", runErr)
			lastErr = fmt.Errorf("repair command: %w", runErr)
			continue
		}

		if err := reconnect(ctx); err != nil {
			lastErr = err
			continue
		}
		r.logger.Info("mcp auto-repair succeeded", "server", cfg.Name, "attempt", attempt)
		return nil
	}
	return lastErr
}

func (r *Repairer) suggest(ctx context.Context, cfg ServerConfig, cause error) (string, error) {
	prompt := buildRepairPrompt(cfg, cause)
	reply, err := r.complete(ctx, prompt)
	if err != nil {
		return "", err
	}
	return extractCommand(reply), nil
}

func buildRepairPrompt(cfg ServerConfig, cause error) string {
	var b strings.Builder
	b.WriteString("An MCP tool server failed to start on this machine.\n\n")
	fmt.Fprintf(&b, "Server: %s\n", cfg.Name)
	if cfg.Command != "" {
		fmt.Fprintf(&b, "Command: %s %s\n", cfg.Command, strings.Join(cfg.Args, " "))
	}
	if cfg.URL != "" {
		fmt.Fprintf(&b, "URL: %s\n", cfg.URL)
	}
	fmt.Fprintf(&b, "Error: %v\n\n", cause)
	b.WriteString("Suggest ONE shell command that would fix this, for example ")
	b.WriteString("installing a missing binary or package. Reply with only the ")
	b.WriteString("command, no explanation. If nothing can fix it, reply with NONE.")
	return b.String()
}

// extractCommand pulls a runnable command out of an LLM reply: fences
// and prompts stripped, first non-empty line wins.
func extractCommand(reply string) string {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return ""
	}
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "```") {
			continue
		}
		line = strings.TrimPrefix(line, "$ ")
		if strings.EqualFold(line, "none") {
			return ""
		}
		return line
	}
	return ""
}

func truncateOutput(out []byte) string {
	const limit = 2000
	s := strings.TrimSpace(string(out))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

func runShell(ctx context.Context, command string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	return cmd.CombinedOutput()
}
