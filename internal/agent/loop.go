package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/owliabot/owlia/internal/executor"
	"github.com/owliabot/owlia/internal/observability"
	"github.com/owliabot/owlia/internal/sessions"
	"github.com/owliabot/owlia/internal/tools"
	"github.com/owliabot/owlia/pkg/models"
)

// fallbackNotice goes out when a run ends without a textual answer, so the
// user always receives a reply.
const fallbackNotice = "Sorry, I could not complete that request."

// Config bounds a run.
type Config struct {
	// MaxIterations caps model calls per run; one call is one iteration.
	// Default 10.
	MaxIterations int

	// MaxTokens is the per-completion cap passed to providers. Default 4096.
	MaxTokens int

	// WallTimeout bounds the whole run. Zero disables it. The caller's
	// context composes with it; whichever fires first stops the run.
	WallTimeout time.Duration

	// Model overrides the provider default when set.
	Model string
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 10
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	if c.WallTimeout < 0 {
		c.WallTimeout = 0
	}
	return c
}

// Deps bundles what the loop needs. Providers, Executor, Registry, and
// Sessions are required; Metrics may be nil.
type Deps struct {
	Providers []Provider
	Executor  *executor.Executor
	Registry  *tools.Registry
	Sessions  sessions.Store
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

// Loop runs conversations. Safe for concurrent use across sessions.
type Loop struct {
	providers []Provider
	executor  *executor.Executor
	registry  *tools.Registry
	store     sessions.Store
	metrics   *observability.Metrics
	cfg       Config
	logger    *slog.Logger
}

func NewLoop(deps Deps, cfg Config) *Loop {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		providers: SortProviders(deps.Providers),
		executor:  deps.Executor,
		registry:  deps.Registry,
		store:     deps.Sessions,
		metrics:   deps.Metrics,
		cfg:       cfg.withDefaults(),
		logger:    logger.With("component", "agent"),
	}
}

// RunInput is one conversation run: the working messages (system first,
// newest user message last) and the identity tool calls execute under.
type RunInput struct {
	Messages  []*models.Message
	Session   *models.Session
	UserID    string
	Channel   string
	Workspace string
}

// RunResult carries the outcome and the accumulated conversation,
// including every assistant and tool message appended during the run.
// Content is non-empty whenever Err is nil.
type RunResult struct {
	Content              string
	Iterations           int
	ToolCallsCount       int
	Messages             []*models.Message
	MaxIterationsReached bool
	TimedOut             bool
	Err                  error
}

// Run drives the conversation to completion: call the model, execute
// requested tools sequentially, append results, repeat. It returns when
// the model answers in text, the iteration cap or wall timeout trips, the
// caller cancels, or something breaks. Accumulated messages survive every
// exit path.
func (l *Loop) Run(ctx context.Context, in RunInput) RunResult {
	res := RunResult{Messages: append([]*models.Message(nil), in.Messages...)}
	if in.Session == nil {
		res.Err = fmt.Errorf("agent: session is required")
		return res
	}

	runCtx := ctx
	if l.cfg.WallTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, l.cfg.WallTimeout)
		defer cancel()
	}

	provider, err := resolveProvider(runCtx, l.providers, l.logger)
	if err != nil {
		res.Err = err
		return res
	}

	var outcome turnOutcome
	if provider.IsCLI() {
		outcome = l.cliTurn(runCtx, ctx, provider, in, &res)
	} else {
		opts := executor.Options{
			SessionKey: in.Session.Key,
			UserID:     in.UserID,
			Channel:    in.Channel,
		}
		for {
			if res.Iterations >= l.cfg.MaxIterations {
				outcome = turnOutcome{kind: turnMaxIterations}
				break
			}
			outcome = l.turn(runCtx, ctx, provider, in, opts, &res)
			if outcome.kind != turnToolCalls {
				break
			}
		}
	}

	l.settle(&res, outcome)
	l.logger.Info("run finished",
		"session", in.Session.Key,
		"provider", provider.Name(),
		"iterations", res.Iterations,
		"tool_calls", res.ToolCallsCount,
		"max_iterations_reached", res.MaxIterationsReached,
		"timed_out", res.TimedOut,
		"err", res.Err)
	return res
}

// turn runs one model call and, when tools were requested, the sequential
// fan-out. Results land in a single tool message so the next call sees
// them all at once.
func (l *Loop) turn(runCtx, callerCtx context.Context, provider Provider, in RunInput, opts executor.Options, res *RunResult) turnOutcome {
	if out, stopped := interrupted(runCtx, callerCtx); stopped {
		return out
	}

	resp, err := l.complete(runCtx, provider, in, res.Messages, l.registry.Snapshot())
	if err != nil {
		if out, stopped := interrupted(runCtx, callerCtx); stopped {
			return out
		}
		return turnOutcome{kind: turnFatal, err: fmt.Errorf("provider %s: %w", provider.Name(), err)}
	}
	res.Iterations++

	assistant := newAssistantMessage(in.Session, resp)
	if out := l.appendMessage(runCtx, in.Session, assistant, res); out != nil {
		return *out
	}

	if len(resp.ToolCalls) == 0 {
		return turnOutcome{kind: turnDone, content: resp.Content}
	}

	// A cancel mid-execution does not kill the running tool; the loop
	// stops before the next model call instead.
	res.ToolCallsCount += len(resp.ToolCalls)
	results := l.executor.ExecuteAll(runCtx, resp.ToolCalls, opts)

	toolMsg := newToolMessage(in.Session, results)
	if out := l.appendMessage(runCtx, in.Session, toolMsg, res); out != nil {
		return *out
	}
	return turnOutcome{kind: turnToolCalls, calls: resp.ToolCalls}
}

// cliTurn hands the whole conversation to a command-backed provider in one
// shot. The command runs tools internally, so no fan-out happens here.
func (l *Loop) cliTurn(runCtx, callerCtx context.Context, provider Provider, in RunInput, res *RunResult) turnOutcome {
	if out, stopped := interrupted(runCtx, callerCtx); stopped {
		return out
	}

	resp, err := l.complete(runCtx, provider, in, res.Messages, nil)
	if err != nil {
		if out, stopped := interrupted(runCtx, callerCtx); stopped {
			return out
		}
		return turnOutcome{kind: turnFatal, err: fmt.Errorf("provider %s: %w", provider.Name(), err)}
	}
	res.Iterations++

	assistant := newAssistantMessage(in.Session, resp)
	if out := l.appendMessage(runCtx, in.Session, assistant, res); out != nil {
		return *out
	}
	return turnOutcome{kind: turnDone, content: resp.Content}
}

// complete issues one provider call and records the request metric.
func (l *Loop) complete(ctx context.Context, provider Provider, in RunInput, msgs []*models.Message, surface []tools.Tool) (*Response, error) {
	system, rest := splitSystem(msgs)
	req := &CompletionRequest{
		Model:     l.cfg.Model,
		System:    system,
		Messages:  rest,
		Tools:     surface,
		MaxTokens: l.cfg.MaxTokens,
		Workspace: in.Workspace,
	}

	start := time.Now()
	resp, err := provider.Complete(ctx, req)
	duration := time.Since(start)

	status := "success"
	model := l.cfg.Model
	var usage Usage
	if resp != nil {
		usage = resp.Usage
		if resp.Model != "" {
			model = resp.Model
		}
	}
	if err != nil {
		status = "error"
	}
	if l.metrics != nil {
		l.metrics.RecordLLMRequest(provider.Name(), model, status, duration.Seconds(), usage.Input, usage.Output)
	}
	l.logger.Debug("completion settled",
		"provider", provider.Name(),
		"model", model,
		"status", status,
		"duration", duration,
		"tool_calls", respToolCallCount(resp))
	return resp, err
}

func respToolCallCount(resp *Response) int {
	if resp == nil {
		return 0
	}
	return len(resp.ToolCalls)
}

// appendMessage adds the message to the working conversation and the
// transcript. A transcript that cannot record the turn stops the run.
func (l *Loop) appendMessage(ctx context.Context, session *models.Session, msg *models.Message, res *RunResult) *turnOutcome {
	res.Messages = append(res.Messages, msg)
	if err := l.store.Append(ctx, session.ID, msg); err != nil {
		return &turnOutcome{kind: turnFatal, err: fmt.Errorf("append transcript: %w", err)}
	}
	return nil
}

func (l *Loop) settle(res *RunResult, out turnOutcome) {
	switch out.kind {
	case turnDone:
		res.Content = out.content
	case turnMaxIterations:
		res.MaxIterationsReached = true
	case turnTimeout:
		res.TimedOut = true
	case turnCancelled, turnFatal:
		res.Err = out.err
	}
	if res.Err == nil && res.Content == "" {
		res.Content = fallbackNotice
	}
}

// interrupted distinguishes caller cancellation from the wall timeout.
// The caller's context wins when both have fired.
func interrupted(runCtx, callerCtx context.Context) (turnOutcome, bool) {
	if err := callerCtx.Err(); err != nil {
		return turnOutcome{kind: turnCancelled, err: err}, true
	}
	if runCtx.Err() != nil {
		return turnOutcome{kind: turnTimeout}, true
	}
	return turnOutcome{}, false
}

// splitSystem peels system messages off the conversation. Their contents
// join into the request's system prompt; everything else goes as-is.
func splitSystem(msgs []*models.Message) (string, []*models.Message) {
	var system []string
	rest := make([]*models.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == models.RoleSystem {
			if m.Content != "" {
				system = append(system, m.Content)
			}
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}

func newAssistantMessage(session *models.Session, resp *Response) *models.Message {
	return &models.Message{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Channel:   session.Channel,
		ChannelID: session.ChannelID,
		Direction: models.DirectionOutbound,
		Role:      models.RoleAssistant,
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
		CreatedAt: time.Now().UTC(),
	}
}

func newToolMessage(session *models.Session, results []models.ToolResult) *models.Message {
	return &models.Message{
		ID:          uuid.NewString(),
		SessionID:   session.ID,
		Channel:     session.Channel,
		ChannelID:   session.ChannelID,
		Direction:   models.DirectionInbound,
		Role:        models.RoleTool,
		ToolResults: results,
		CreatedAt:   time.Now().UTC(),
	}
}
