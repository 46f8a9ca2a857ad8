package providers

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/owliabot/owlia/internal/agent"
	"github.com/owliabot/owlia/pkg/models"
)

// CLIConfig configures a command-backed provider.
type CLIConfig struct {
	// Command is the agent binary to run. Required.
	Command string

	// Args are passed before the conversation arrives on stdin.
	Args []string

	// Name labels the provider in logs and metrics. Defaults to the
	// command's base name.
	Name string

	// Priority orders failover; lower is tried first.
	Priority int
}

// CLIProvider delegates a completion to an external agent process. The
// conversation goes in on stdin, the reply comes back on stdout, and the
// process runs whatever tools it wants itself, so the loop above must not
// fan out tool calls for it.
type CLIProvider struct {
	command  string
	args     []string
	name     string
	priority int
}

func NewCLI(cfg CLIConfig) *CLIProvider {
	name := cfg.Name
	if name == "" {
		name = filepath.Base(cfg.Command)
	}
	return &CLIProvider{
		command:  cfg.Command,
		args:     cfg.Args,
		name:     name,
		priority: cfg.Priority,
	}
}

func (p *CLIProvider) Name() string { return p.name }

func (p *CLIProvider) Priority() int { return p.priority }

func (p *CLIProvider) IsCLI() bool { return true }

// ResolveKey checks the binary exists; CLI agents carry their own
// credentials.
func (p *CLIProvider) ResolveKey(ctx context.Context) error {
	if p.command == "" {
		return fmt.Errorf("cli provider %s: no command configured", p.name)
	}
	if _, err := exec.LookPath(p.command); err != nil {
		return fmt.Errorf("cli provider %s: %w", p.name, err)
	}
	return nil
}

func (p *CLIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.Response, error) {
	cmd := exec.CommandContext(ctx, p.command, p.args...)
	cmd.Stdin = strings.NewReader(renderConversation(req))
	if req.Workspace != "" {
		cmd.Dir = req.Workspace
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("cli provider %s: %w: %s", p.name, err, firstLine(stderr.String()))
	}

	return &agent.Response{
		Content:  strings.TrimSpace(stdout.String()),
		Provider: p.name,
		Model:    p.name,
	}, nil
}

// renderConversation flattens the transcript into role-tagged blocks. Tool
// messages are skipped; the external agent never saw those calls.
func renderConversation(req *agent.CompletionRequest) string {
	var b strings.Builder
	if req.System != "" {
		b.WriteString("[system]\n")
		b.WriteString(req.System)
		b.WriteString("\n\n")
	}
	for _, msg := range req.Messages {
		if msg.Content == "" || msg.Role == models.RoleTool {
			continue
		}
		fmt.Fprintf(&b, "[%s]\n%s\n\n", msg.Role, msg.Content)
	}
	return b.String()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
