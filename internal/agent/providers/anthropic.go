// Package providers implements the agent.Provider integrations: Anthropic
// and OpenAI over their official SDKs, and command-backed CLI agents that
// run the whole conversation themselves.
//
// API providers retry transient failures internally (rate limits, 5xx,
// timeouts); the loop above them never retries a settled turn.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/owliabot/owlia/internal/agent"
	"github.com/owliabot/owlia/internal/tools"
	"github.com/owliabot/owlia/pkg/models"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

// AnthropicConfig configures an Anthropic provider. Everything except the
// key is optional.
type AnthropicConfig struct {
	// APIKey authenticates against the Anthropic API. Empty falls back to
	// the ANTHROPIC_API_KEY environment variable.
	APIKey string

	// BaseURL overrides the API endpoint, for proxies and test servers.
	BaseURL string

	// Model is used when the request does not name one.
	Model string

	// Priority orders failover; lower is tried first.
	Priority int

	// MaxRetries caps retry attempts on transient errors. Default 3.
	MaxRetries int

	// RetryDelay is the base backoff; the actual delay doubles per
	// attempt. Default 1s.
	RetryDelay time.Duration
}

// AnthropicProvider talks to the Anthropic Messages API, one whole
// response per call. Safe for concurrent use.
type AnthropicProvider struct {
	client     anthropic.Client
	apiKey     string
	model      string
	priority   int
	maxRetries int
	retryDelay time.Duration
}

func NewAnthropic(cfg AnthropicConfig) *AnthropicProvider {
	key := cfg.APIKey
	if key == "" {
		key = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cfg.Model == "" {
		cfg.Model = defaultAnthropicModel
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	opts := []option.RequestOption{option.WithAPIKey(key)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		client:     anthropic.NewClient(opts...),
		apiKey:     key,
		model:      cfg.Model,
		priority:   cfg.Priority,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Priority() int { return p.priority }

func (p *AnthropicProvider) IsCLI() bool { return false }

func (p *AnthropicProvider) ResolveKey(ctx context.Context) error {
	if p.apiKey == "" {
		return errors.New("anthropic: no API key (set ANTHROPIC_API_KEY)")
	}
	return nil
}

func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.Response, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	var msg *anthropic.Message
	for attempt := 0; ; attempt++ {
		msg, err = p.client.Messages.New(ctx, *params)
		if err == nil {
			break
		}
		if attempt >= p.maxRetries || !retryableError(err) {
			return nil, fmt.Errorf("anthropic: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.retryDelay * time.Duration(1<<attempt)):
		}
	}
	return translateAnthropic(msg), nil
}

func (p *AnthropicProvider) buildParams(req *agent.CompletionRequest) (*anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := &anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}
	return params, nil
}

func convertAnthropicMessages(messages []*models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		// System content travels in params.System, never the transcript.
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Arguments, &input); err != nil {
				return nil, fmt.Errorf("anthropic: invalid arguments for tool call %s: %w", tc.ID, err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		// Tool-result messages map to user messages in Anthropic's schema.
		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertAnthropicTools(surface []tools.Tool) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(surface))
	for _, tool := range surface {
		var schema anthropic.ToolInputSchemaParam
		raw := tool.Schema()
		if len(raw) == 0 {
			raw = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid schema for tool %s: %w", tool.Name(), err)
		}

		param := anthropic.ToolUnionParamOfTool(schema, tool.Name())
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid schema for tool %s", tool.Name())
		}
		param.OfTool.Description = anthropic.String(tool.Description())
		result = append(result, param)
	}
	return result, nil
}

func translateAnthropic(msg *anthropic.Message) *agent.Response {
	res := &agent.Response{
		Provider: "anthropic",
		Model:    string(msg.Model),
		Usage: agent.Usage{
			Input:  int(msg.Usage.InputTokens),
			Output: int(msg.Usage.OutputTokens),
		},
	}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			res.ToolCalls = append(res.ToolCalls, models.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: json.RawMessage(block.Input),
			})
		}
	}
	res.Content = text.String()
	return res
}
