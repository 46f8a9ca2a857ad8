package providers

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/owliabot/owlia/internal/tools"
	"github.com/owliabot/owlia/pkg/models"
)

type stubTool struct {
	name   string
	desc   string
	schema string
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return s.desc }

func (s *stubTool) Schema() json.RawMessage {
	if s.schema == "" {
		return nil
	}
	return json.RawMessage(s.schema)
}

func (s *stubTool) Security() tools.Security {
	return tools.Security{Level: models.SecurityRead}
}

func (s *stubTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	return tools.JSONResult("ok"), nil
}

func TestNewAnthropicDefaults(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")

	p := NewAnthropic(AnthropicConfig{APIKey: "sk-test"})
	if p.model != defaultAnthropicModel {
		t.Errorf("model = %q, want %q", p.model, defaultAnthropicModel)
	}
	if p.maxRetries != 3 {
		t.Errorf("maxRetries = %d, want 3", p.maxRetries)
	}
	if p.Name() != "anthropic" || p.IsCLI() {
		t.Errorf("identity wrong: name=%q cli=%v", p.Name(), p.IsCLI())
	}
}

func TestAnthropicResolveKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	if err := NewAnthropic(AnthropicConfig{}).ResolveKey(context.Background()); err == nil {
		t.Error("want error when no key anywhere")
	}

	t.Setenv("ANTHROPIC_API_KEY", "sk-from-env")
	if err := NewAnthropic(AnthropicConfig{}).ResolveKey(context.Background()); err != nil {
		t.Errorf("env key must resolve, got %v", err)
	}

	if err := NewAnthropic(AnthropicConfig{APIKey: "sk-direct"}).ResolveKey(context.Background()); err != nil {
		t.Errorf("configured key must resolve, got %v", err)
	}
}

func TestConvertAnthropicMessages(t *testing.T) {
	tests := []struct {
		name     string
		messages []*models.Message
		want     int
		wantErr  bool
	}{
		{
			name: "system messages are skipped",
			messages: []*models.Message{
				{Role: models.RoleSystem, Content: "rules"},
				{Role: models.RoleUser, Content: "hello"},
			},
			want: 1,
		},
		{
			name: "empty messages are dropped",
			messages: []*models.Message{
				{Role: models.RoleUser, Content: ""},
				{Role: models.RoleUser, Content: "hi"},
			},
			want: 1,
		},
		{
			name: "assistant with tool calls",
			messages: []*models.Message{
				{
					Role:    models.RoleAssistant,
					Content: "checking",
					ToolCalls: []models.ToolCall{
						{ID: "tc-1", Name: "echo", Arguments: json.RawMessage(`{"x":1}`)},
					},
				},
			},
			want: 1,
		},
		{
			name: "tool results become user message",
			messages: []*models.Message{
				{
					Role: models.RoleTool,
					ToolResults: []models.ToolResult{
						{ToolCallID: "tc-1", Content: "42", IsError: false},
					},
				},
			},
			want: 1,
		},
		{
			name: "invalid tool call arguments",
			messages: []*models.Message{
				{
					Role: models.RoleAssistant,
					ToolCalls: []models.ToolCall{
						{ID: "tc-1", Name: "echo", Arguments: json.RawMessage(`{broken`)},
					},
				},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := convertAnthropicMessages(tt.messages)
			if tt.wantErr {
				if err == nil {
					t.Fatal("want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("convert: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d messages, want %d", len(got), tt.want)
			}
		})
	}
}

func TestConvertAnthropicTools(t *testing.T) {
	surface := []tools.Tool{
		&stubTool{name: "echo", desc: "Echoes.", schema: `{"type":"object","properties":{"x":{"type":"number"}}}`},
		&stubTool{name: "open", desc: "Opens."},
	}

	got, err := convertAnthropicTools(surface)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d tools, want 2", len(got))
	}
	for i, param := range got {
		if param.OfTool == nil {
			t.Fatalf("tool %d missing definition", i)
		}
	}
	if got[0].OfTool.Name != "echo" {
		t.Errorf("tool 0 name = %q", got[0].OfTool.Name)
	}
}

func TestConvertAnthropicToolsBadSchema(t *testing.T) {
	_, err := convertAnthropicTools([]tools.Tool{
		&stubTool{name: "bad", schema: `{nope`},
	})
	if err == nil || !strings.Contains(err.Error(), "bad") {
		t.Fatalf("err = %v, want schema failure naming the tool", err)
	}
}

func TestTranslateAnthropic(t *testing.T) {
	msg := &anthropic.Message{
		Model: "claude-sonnet-4-20250514",
		Content: []anthropic.ContentBlockUnion{
			{Type: "text", Text: "Let me check. "},
			{Type: "tool_use", ID: "tc-1", Name: "echo", Input: json.RawMessage(`{"x":1}`)},
			{Type: "text", Text: "Done."},
		},
	}
	msg.Usage.InputTokens = 12
	msg.Usage.OutputTokens = 7

	res := translateAnthropic(msg)
	if res.Content != "Let me check. Done." {
		t.Errorf("content = %q", res.Content)
	}
	if len(res.ToolCalls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(res.ToolCalls))
	}
	tc := res.ToolCalls[0]
	if tc.ID != "tc-1" || tc.Name != "echo" || string(tc.Arguments) != `{"x":1}` {
		t.Errorf("tool call = %+v", tc)
	}
	if res.Usage.Input != 12 || res.Usage.Output != 7 {
		t.Errorf("usage = %+v", res.Usage)
	}
	if res.Provider != "anthropic" || res.Model != "claude-sonnet-4-20250514" {
		t.Errorf("identity = %s/%s", res.Provider, res.Model)
	}
}
