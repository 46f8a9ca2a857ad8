package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/owliabot/owlia/internal/agent"
	"github.com/owliabot/owlia/internal/tools"
	"github.com/owliabot/owlia/pkg/models"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIConfig configures an OpenAI provider. Everything except the key
// is optional.
type OpenAIConfig struct {
	// APIKey authenticates against the OpenAI API. Empty falls back to
	// the OPENAI_API_KEY environment variable.
	APIKey string

	// BaseURL overrides the API endpoint, for compatible gateways.
	BaseURL string

	// Model is used when the request does not name one.
	Model string

	// Priority orders failover; lower is tried first.
	Priority int

	// MaxRetries caps retry attempts on transient errors. Default 3.
	MaxRetries int

	// RetryDelay is the base backoff; the actual delay grows linearly
	// per attempt. Default 1s.
	RetryDelay time.Duration
}

// OpenAIProvider talks to the chat completions API, one whole response
// per call. Safe for concurrent use.
type OpenAIProvider struct {
	client     *openai.Client
	apiKey     string
	model      string
	priority   int
	maxRetries int
	retryDelay time.Duration
}

func NewOpenAI(cfg OpenAIConfig) *OpenAIProvider {
	key := cfg.APIKey
	if key == "" {
		key = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	clientCfg := openai.DefaultConfig(key)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIProvider{
		client:     openai.NewClientWithConfig(clientCfg),
		apiKey:     key,
		model:      cfg.Model,
		priority:   cfg.Priority,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Priority() int { return p.priority }

func (p *OpenAIProvider) IsCLI() bool { return false }

func (p *OpenAIProvider) ResolveKey(ctx context.Context) error {
	if p.apiKey == "" {
		return errors.New("openai: no API key (set OPENAI_API_KEY)")
	}
	return nil
}

func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.Response, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertOpenAIMessages(req.Messages, req.System),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	var resp openai.ChatCompletionResponse
	var err error
	for attempt := 0; ; attempt++ {
		resp, err = p.client.CreateChatCompletion(ctx, chatReq)
		if err == nil {
			break
		}
		if attempt >= p.maxRetries || !retryableError(err) {
			return nil, fmt.Errorf("openai: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.retryDelay * time.Duration(attempt+1)):
		}
	}
	return translateOpenAI(model, resp)
}

func convertOpenAIMessages(messages []*models.Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	// OpenAI carries the system prompt as the first transcript message.
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			if msg.Content != "" {
				result = append(result, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleSystem,
					Content: msg.Content,
				})
			}

		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			result = append(result, oaiMsg)

		case models.RoleTool:
			// One message per result, linked by tool call ID.
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}

		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}
	return result
}

func convertOpenAITools(surface []tools.Tool) []openai.Tool {
	result := make([]openai.Tool, len(surface))
	for i, tool := range surface {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Schema(), &schemaMap); err != nil {
			// A bad schema degrades to accept-anything so the other
			// tools keep working.
			schemaMap = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  schemaMap,
			},
		}
	}
	return result
}

func translateOpenAI(model string, resp openai.ChatCompletionResponse) (*agent.Response, error) {
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: response has no choices")
	}
	choice := resp.Choices[0].Message

	res := &agent.Response{
		Content:  choice.Content,
		Provider: "openai",
		Model:    model,
		Usage: agent.Usage{
			Input:  resp.Usage.PromptTokens,
			Output: resp.Usage.CompletionTokens,
		},
	}
	if resp.Model != "" {
		res.Model = resp.Model
	}
	for _, tc := range choice.ToolCalls {
		res.ToolCalls = append(res.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return res, nil
}
