package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/owliabot/owlia/internal/audit"
	"github.com/owliabot/owlia/internal/executor"
	"github.com/owliabot/owlia/internal/policy"
	"github.com/owliabot/owlia/internal/sessions"
	"github.com/owliabot/owlia/internal/tools"
	"github.com/owliabot/owlia/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// step is one scripted provider response. The last step repeats when the
// loop calls again.
type step struct {
	resp *Response
	err  error
}

func textStep(content string) step {
	return step{resp: &Response{Content: content}}
}

func toolStep(id, name, args string) step {
	return step{resp: &Response{ToolCalls: []models.ToolCall{
		{ID: id, Name: name, Arguments: json.RawMessage(args)},
	}}}
}

type fakeProvider struct {
	name     string
	priority int
	cli      bool
	keyErr   error
	delay    time.Duration

	mu    sync.Mutex
	steps []step
	reqs  []*CompletionRequest
}

func (p *fakeProvider) Name() string  { return p.name }
func (p *fakeProvider) Priority() int { return p.priority }
func (p *fakeProvider) IsCLI() bool   { return p.cli }

func (p *fakeProvider) ResolveKey(ctx context.Context) error { return p.keyErr }

func (p *fakeProvider) Complete(ctx context.Context, req *CompletionRequest) (*Response, error) {
	if p.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.delay):
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs = append(p.reqs, req)
	if len(p.steps) == 0 {
		return &Response{Content: "ok"}, nil
	}
	s := p.steps[0]
	if len(p.steps) > 1 {
		p.steps = p.steps[1:]
	}
	return s.resp, s.err
}

func (p *fakeProvider) requests() []*CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*CompletionRequest(nil), p.reqs...)
}

type echoTool struct {
	calls atomic.Int32
}

func (e *echoTool) Name() string             { return "echo" }
func (e *echoTool) Description() string      { return "Echoes its arguments back." }
func (e *echoTool) Schema() json.RawMessage  { return nil }
func (e *echoTool) Security() tools.Security { return tools.Security{Level: models.SecurityRead} }

func (e *echoTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	e.calls.Add(1)
	return tools.JSONResult(map[string]any{"echo": string(params)}), nil
}

type loopHarness struct {
	loop    *Loop
	store   sessions.Store
	session *models.Session
	tool    *echoTool
}

func newLoopHarness(t *testing.T, provs []Provider, cfg Config) *loopHarness {
	t.Helper()
	dir := t.TempDir()

	store, err := sessions.NewFileStore(filepath.Join(dir, "sessions"), testLogger())
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	session, err := store.GetOrCreate(context.Background(), models.SessionKey(models.ChannelTelegram, "42"), models.ChannelTelegram, "42")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	auditStore, err := audit.Open(filepath.Join(dir, "audit.jsonl"), testLogger())
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	t.Cleanup(func() { auditStore.Close() })

	reg := tools.NewRegistry(testLogger())
	tool := &echoTool{}
	reg.Register(tool)

	ex := executor.New(executor.CoreServices{
		Registry:  reg,
		Policy:    policy.NewEngine(nil, testLogger()),
		Cooldowns: policy.NewCooldownTracker(),
		Audit:     auditStore,
		Anomaly:   policy.NewAnomalyDetector(testLogger()),
		Stop:      executor.NewEmergencyStop(testLogger()),
		Logger:    testLogger(),
	})

	loop := NewLoop(Deps{
		Providers: provs,
		Executor:  ex,
		Registry:  reg,
		Sessions:  store,
		Logger:    testLogger(),
	}, cfg)

	return &loopHarness{loop: loop, store: store, session: session, tool: tool}
}

func (h *loopHarness) input(userText string) RunInput {
	return RunInput{
		Messages: []*models.Message{
			{ID: "m-sys", Role: models.RoleSystem, Content: "be helpful"},
			{
				ID:        "m-user",
				SessionID: h.session.ID,
				Channel:   h.session.Channel,
				ChannelID: h.session.ChannelID,
				Direction: models.DirectionInbound,
				Role:      models.RoleUser,
				Content:   userText,
			},
		},
		Session: h.session,
		UserID:  "u1",
		Channel: "telegram",
	}
}

func (h *loopHarness) transcript(t *testing.T) []*models.Message {
	t.Helper()
	msgs, err := h.store.ReadAll(context.Background(), h.session.ID)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	return msgs
}

func TestRunTextTurn(t *testing.T) {
	p := &fakeProvider{name: "anthropic", steps: []step{textStep("hi there")}}
	h := newLoopHarness(t, []Provider{p}, Config{})

	res := h.loop.Run(context.Background(), h.input("hello"))
	if res.Err != nil {
		t.Fatalf("Run: %v", res.Err)
	}
	if res.Content != "hi there" {
		t.Errorf("content = %q, want %q", res.Content, "hi there")
	}
	if res.Iterations != 1 || res.ToolCallsCount != 0 {
		t.Errorf("iterations = %d, tool calls = %d, want 1 and 0", res.Iterations, res.ToolCallsCount)
	}
	if res.MaxIterationsReached || res.TimedOut {
		t.Errorf("unexpected bound flags: %+v", res)
	}
	if len(res.Messages) != 3 {
		t.Fatalf("got %d accumulated messages, want 3", len(res.Messages))
	}
	last := res.Messages[2]
	if last.Role != models.RoleAssistant || last.Content != "hi there" {
		t.Errorf("last message = %q role %s, want assistant %q", last.Content, last.Role, "hi there")
	}

	reqs := p.requests()
	if len(reqs) != 1 {
		t.Fatalf("provider called %d times, want 1", len(reqs))
	}
	if reqs[0].System != "be helpful" {
		t.Errorf("system = %q, want %q", reqs[0].System, "be helpful")
	}
	for _, m := range reqs[0].Messages {
		if m.Role == models.RoleSystem {
			t.Error("system message leaked into request messages")
		}
	}
	if len(reqs[0].Tools) != 1 || reqs[0].Tools[0].Name() != "echo" {
		t.Errorf("tool surface = %v, want the registered echo tool", reqs[0].Tools)
	}

	msgs := h.transcript(t)
	if len(msgs) != 1 || msgs[0].Role != models.RoleAssistant {
		t.Errorf("transcript = %d messages, want 1 assistant message", len(msgs))
	}
}

func TestRunToolRoundTrip(t *testing.T) {
	p := &fakeProvider{name: "anthropic", steps: []step{
		toolStep("tc-1", "echo", `{"text":"ping"}`),
		textStep("all done"),
	}}
	h := newLoopHarness(t, []Provider{p}, Config{})

	res := h.loop.Run(context.Background(), h.input("run the echo tool"))
	if res.Err != nil {
		t.Fatalf("Run: %v", res.Err)
	}
	if res.Content != "all done" {
		t.Errorf("content = %q, want %q", res.Content, "all done")
	}
	if res.Iterations != 2 {
		t.Errorf("iterations = %d, want 2", res.Iterations)
	}
	if res.ToolCallsCount != 1 {
		t.Errorf("tool calls = %d, want 1", res.ToolCallsCount)
	}
	if got := h.tool.calls.Load(); got != 1 {
		t.Errorf("echo executed %d times, want 1", got)
	}

	// system + user + assistant(tool call) + tool results + assistant(text)
	if len(res.Messages) != 5 {
		t.Fatalf("got %d accumulated messages, want 5", len(res.Messages))
	}
	toolMsg := res.Messages[3]
	if toolMsg.Role != models.RoleTool || len(toolMsg.ToolResults) != 1 {
		t.Fatalf("message 3 = role %s with %d results, want tool role with 1", toolMsg.Role, len(toolMsg.ToolResults))
	}
	tr := toolMsg.ToolResults[0]
	if tr.ToolCallID != "tc-1" {
		t.Errorf("result tool call ID = %q, want tc-1", tr.ToolCallID)
	}
	if tr.IsError || !strings.Contains(tr.Content, "echo") {
		t.Errorf("result = %+v, want echo payload", tr)
	}

	// The second call must see the tool results.
	reqs := p.requests()
	if len(reqs) != 2 {
		t.Fatalf("provider called %d times, want 2", len(reqs))
	}
	lastMsg := reqs[1].Messages[len(reqs[1].Messages)-1]
	if lastMsg.Role != models.RoleTool {
		t.Errorf("second request ends with role %s, want tool", lastMsg.Role)
	}
}

func TestRunMaxIterations(t *testing.T) {
	p := &fakeProvider{name: "anthropic", steps: []step{
		toolStep("tc-1", "echo", `{}`),
	}}
	h := newLoopHarness(t, []Provider{p}, Config{MaxIterations: 3})

	res := h.loop.Run(context.Background(), h.input("loop forever"))
	if res.Err != nil {
		t.Fatalf("Run: %v", res.Err)
	}
	if !res.MaxIterationsReached {
		t.Error("MaxIterationsReached not set")
	}
	if res.Iterations != 3 {
		t.Errorf("iterations = %d, want 3", res.Iterations)
	}
	if res.ToolCallsCount != 3 {
		t.Errorf("tool calls = %d, want 3", res.ToolCallsCount)
	}
	if res.Content != fallbackNotice {
		t.Errorf("content = %q, want fallback notice", res.Content)
	}
	if got := len(p.requests()); got != 3 {
		t.Errorf("provider called %d times, want 3", got)
	}

	msgs := h.transcript(t)
	var assistants, toolMsgs int
	for _, m := range msgs {
		switch m.Role {
		case models.RoleAssistant:
			assistants++
		case models.RoleTool:
			toolMsgs++
		}
	}
	if assistants != 3 || toolMsgs != 3 {
		t.Errorf("transcript has %d assistant and %d tool messages, want 3 and 3", assistants, toolMsgs)
	}
}

func TestRunWallTimeout(t *testing.T) {
	p := &fakeProvider{name: "anthropic", delay: 500 * time.Millisecond}
	h := newLoopHarness(t, []Provider{p}, Config{WallTimeout: 30 * time.Millisecond})

	res := h.loop.Run(context.Background(), h.input("slow"))
	if res.Err != nil {
		t.Fatalf("timeout must not surface as error, got %v", res.Err)
	}
	if !res.TimedOut {
		t.Error("TimedOut not set")
	}
	if res.Iterations != 0 {
		t.Errorf("iterations = %d, want 0", res.Iterations)
	}
	if res.Content != fallbackNotice {
		t.Errorf("content = %q, want fallback notice", res.Content)
	}
}

func TestRunCallerCancel(t *testing.T) {
	p := &fakeProvider{name: "anthropic", delay: 500 * time.Millisecond}
	h := newLoopHarness(t, []Provider{p}, Config{WallTimeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(20*time.Millisecond, cancel)
	defer timer.Stop()

	res := h.loop.Run(ctx, h.input("abort me"))
	if !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", res.Err)
	}
	if res.TimedOut {
		t.Error("caller cancel must not read as wall timeout")
	}
	// Accumulated messages survive the cancel.
	if len(res.Messages) != 2 {
		t.Errorf("got %d accumulated messages, want the 2 input messages", len(res.Messages))
	}
}

func TestRunFailoverSticky(t *testing.T) {
	primary := &fakeProvider{name: "primary", priority: 1, keyErr: errors.New("no key")}
	backup := &fakeProvider{name: "backup", priority: 2, steps: []step{
		toolStep("tc-1", "echo", `{}`),
		textStep("from backup"),
	}}
	// Deliberately out of order; the loop sorts by priority.
	h := newLoopHarness(t, []Provider{backup, primary}, Config{})

	res := h.loop.Run(context.Background(), h.input("who answers"))
	if res.Err != nil {
		t.Fatalf("Run: %v", res.Err)
	}
	if res.Content != "from backup" {
		t.Errorf("content = %q, want %q", res.Content, "from backup")
	}
	if got := len(primary.requests()); got != 0 {
		t.Errorf("primary completed %d times, want 0", got)
	}
	// Both turns stay on the resolved provider.
	if got := len(backup.requests()); got != 2 {
		t.Errorf("backup completed %d times, want 2", got)
	}
}

func TestRunNoProviders(t *testing.T) {
	h := newLoopHarness(t, nil, Config{})

	res := h.loop.Run(context.Background(), h.input("anyone"))
	if !errors.Is(res.Err, ErrNoProviders) {
		t.Fatalf("err = %v, want ErrNoProviders", res.Err)
	}
}

func TestRunAllKeysUnavailable(t *testing.T) {
	a := &fakeProvider{name: "a", priority: 1, keyErr: errors.New("missing key a")}
	b := &fakeProvider{name: "b", priority: 2, keyErr: errors.New("missing key b")}
	h := newLoopHarness(t, []Provider{a, b}, Config{})

	res := h.loop.Run(context.Background(), h.input("anyone"))
	if res.Err == nil || !strings.Contains(res.Err.Error(), "no provider available") {
		t.Fatalf("err = %v, want aggregate unavailability error", res.Err)
	}
	if !strings.Contains(res.Err.Error(), "missing key a") || !strings.Contains(res.Err.Error(), "missing key b") {
		t.Errorf("err = %v, want both causes listed", res.Err)
	}
}

func TestRunCLIDelegation(t *testing.T) {
	p := &fakeProvider{name: "coder", cli: true, steps: []step{textStep("cli answer")}}
	h := newLoopHarness(t, []Provider{p}, Config{})

	in := h.input("do the thing")
	in.Workspace = t.TempDir()
	res := h.loop.Run(context.Background(), in)
	if res.Err != nil {
		t.Fatalf("Run: %v", res.Err)
	}
	if res.Content != "cli answer" {
		t.Errorf("content = %q, want %q", res.Content, "cli answer")
	}
	if res.Iterations != 1 || res.ToolCallsCount != 0 {
		t.Errorf("iterations = %d, tool calls = %d, want 1 and 0", res.Iterations, res.ToolCallsCount)
	}

	reqs := p.requests()
	if len(reqs) != 1 {
		t.Fatalf("provider called %d times, want 1", len(reqs))
	}
	if len(reqs[0].Tools) != 0 {
		t.Error("CLI provider must not receive a tool surface")
	}
	if reqs[0].Workspace != in.Workspace {
		t.Errorf("workspace = %q, want %q", reqs[0].Workspace, in.Workspace)
	}

	msgs := h.transcript(t)
	if len(msgs) != 1 || msgs[0].Role != models.RoleAssistant {
		t.Errorf("transcript = %d messages, want 1 assistant message", len(msgs))
	}
}

func TestRunEmptyAnswerFallsBack(t *testing.T) {
	p := &fakeProvider{name: "anthropic", steps: []step{textStep("")}}
	h := newLoopHarness(t, []Provider{p}, Config{})

	res := h.loop.Run(context.Background(), h.input("say nothing"))
	if res.Err != nil {
		t.Fatalf("Run: %v", res.Err)
	}
	if res.Content != fallbackNotice {
		t.Errorf("content = %q, want fallback notice", res.Content)
	}
}

func TestRunProviderFatalError(t *testing.T) {
	p := &fakeProvider{name: "anthropic", steps: []step{
		{err: errors.New("model exploded")},
	}}
	h := newLoopHarness(t, []Provider{p}, Config{})

	res := h.loop.Run(context.Background(), h.input("boom"))
	if res.Err == nil || !strings.Contains(res.Err.Error(), "model exploded") {
		t.Fatalf("err = %v, want the provider failure", res.Err)
	}
	if res.Content != "" {
		t.Errorf("content = %q, want empty on error", res.Content)
	}
}

func TestRunRequiresSession(t *testing.T) {
	p := &fakeProvider{name: "anthropic"}
	h := newLoopHarness(t, []Provider{p}, Config{})

	in := h.input("hello")
	in.Session = nil
	res := h.loop.Run(context.Background(), in)
	if res.Err == nil || !strings.Contains(res.Err.Error(), "session") {
		t.Fatalf("err = %v, want session requirement", res.Err)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.MaxIterations != 10 {
		t.Errorf("MaxIterations = %d, want 10", cfg.MaxIterations)
	}
	if cfg.MaxTokens != 4096 {
		t.Errorf("MaxTokens = %d, want 4096", cfg.MaxTokens)
	}
	if cfg.WallTimeout != 0 {
		t.Errorf("WallTimeout = %v, want 0", cfg.WallTimeout)
	}
}
