package providers

import (
	"context"
	"encoding/json"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/owliabot/owlia/internal/tools"
	"github.com/owliabot/owlia/pkg/models"
)

func TestNewOpenAIDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	p := NewOpenAI(OpenAIConfig{APIKey: "sk-test"})
	if p.model != defaultOpenAIModel {
		t.Errorf("model = %q, want %q", p.model, defaultOpenAIModel)
	}
	if p.Name() != "openai" || p.IsCLI() {
		t.Errorf("identity wrong: name=%q cli=%v", p.Name(), p.IsCLI())
	}
}

func TestOpenAIResolveKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if err := NewOpenAI(OpenAIConfig{}).ResolveKey(context.Background()); err == nil {
		t.Error("want error when no key anywhere")
	}

	t.Setenv("OPENAI_API_KEY", "sk-from-env")
	if err := NewOpenAI(OpenAIConfig{}).ResolveKey(context.Background()); err != nil {
		t.Errorf("env key must resolve, got %v", err)
	}
}

func TestConvertOpenAIMessages(t *testing.T) {
	messages := []*models.Message{
		{Role: models.RoleUser, Content: "what is the weather"},
		{
			Role:    models.RoleAssistant,
			Content: "checking",
			ToolCalls: []models.ToolCall{
				{ID: "tc-1", Name: "weather", Arguments: json.RawMessage(`{"city":"Oslo"}`)},
			},
		},
		{
			Role: models.RoleTool,
			ToolResults: []models.ToolResult{
				{ToolCallID: "tc-1", Content: "rainy"},
				{ToolCallID: "tc-2", Content: "windy"},
			},
		},
	}

	got := convertOpenAIMessages(messages, "be brief")
	// system + user + assistant + one message per tool result
	if len(got) != 5 {
		t.Fatalf("got %d messages, want 5", len(got))
	}
	if got[0].Role != openai.ChatMessageRoleSystem || got[0].Content != "be brief" {
		t.Errorf("first message = %+v, want injected system prompt", got[0])
	}
	if got[1].Role != openai.ChatMessageRoleUser {
		t.Errorf("second message role = %q", got[1].Role)
	}

	assistant := got[2]
	if len(assistant.ToolCalls) != 1 {
		t.Fatalf("assistant carries %d tool calls, want 1", len(assistant.ToolCalls))
	}
	tc := assistant.ToolCalls[0]
	if tc.ID != "tc-1" || tc.Type != openai.ToolTypeFunction || tc.Function.Name != "weather" {
		t.Errorf("tool call = %+v", tc)
	}
	if tc.Function.Arguments != `{"city":"Oslo"}` {
		t.Errorf("arguments = %q", tc.Function.Arguments)
	}

	for i, want := range []string{"tc-1", "tc-2"} {
		msg := got[3+i]
		if msg.Role != openai.ChatMessageRoleTool || msg.ToolCallID != want {
			t.Errorf("result message %d = %+v, want tool role linked to %s", i, msg, want)
		}
	}
}

func TestConvertOpenAIMessagesNoSystem(t *testing.T) {
	got := convertOpenAIMessages([]*models.Message{{Role: models.RoleUser, Content: "hi"}}, "")
	if len(got) != 1 || got[0].Role != openai.ChatMessageRoleUser {
		t.Fatalf("got %+v, want single user message", got)
	}
}

func TestConvertOpenAITools(t *testing.T) {
	got := convertOpenAITools([]tools.Tool{
		&stubTool{name: "echo", desc: "Echoes.", schema: `{"type":"object","properties":{"x":{"type":"number"}}}`},
		&stubTool{name: "bad", desc: "Broken schema.", schema: `{nope`},
	})
	if len(got) != 2 {
		t.Fatalf("got %d tools, want 2", len(got))
	}
	if got[0].Function.Name != "echo" || got[0].Type != openai.ToolTypeFunction {
		t.Errorf("tool 0 = %+v", got[0])
	}

	// A broken schema degrades to accept-anything instead of failing the
	// whole surface.
	params, ok := got[1].Function.Parameters.(map[string]any)
	if !ok {
		t.Fatalf("tool 1 parameters = %T", got[1].Function.Parameters)
	}
	if params["type"] != "object" {
		t.Errorf("degraded schema = %v", params)
	}
}

func TestTranslateOpenAI(t *testing.T) {
	resp := openai.ChatCompletionResponse{
		Model: "gpt-4o-2024-08-06",
		Choices: []openai.ChatCompletionChoice{
			{
				Message: openai.ChatCompletionMessage{
					Content: "checking",
					ToolCalls: []openai.ToolCall{
						{
							ID:   "tc-9",
							Type: openai.ToolTypeFunction,
							Function: openai.FunctionCall{
								Name:      "weather",
								Arguments: `{"city":"Oslo"}`,
							},
						},
					},
				},
			},
		},
		Usage: openai.Usage{PromptTokens: 20, CompletionTokens: 5},
	}

	res, err := translateOpenAI("gpt-4o", resp)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if res.Content != "checking" {
		t.Errorf("content = %q", res.Content)
	}
	if len(res.ToolCalls) != 1 || res.ToolCalls[0].Name != "weather" {
		t.Fatalf("tool calls = %+v", res.ToolCalls)
	}
	if string(res.ToolCalls[0].Arguments) != `{"city":"Oslo"}` {
		t.Errorf("arguments = %s", res.ToolCalls[0].Arguments)
	}
	if res.Usage.Input != 20 || res.Usage.Output != 5 {
		t.Errorf("usage = %+v", res.Usage)
	}
	if res.Model != "gpt-4o-2024-08-06" {
		t.Errorf("model = %q, want the response model", res.Model)
	}
}

func TestTranslateOpenAINoChoices(t *testing.T) {
	if _, err := translateOpenAI("gpt-4o", openai.ChatCompletionResponse{}); err == nil {
		t.Fatal("want error on empty choices")
	}
}
