package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIBackend implements Backend over the OpenAI chat completions API.
type OpenAIBackend struct {
	client *openai.Client
}

// OpenAIConfig configures an OpenAIBackend.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
}

// NewOpenAIBackend creates a backend over the OpenAI API.
func NewOpenAIBackend(cfg OpenAIConfig) *OpenAIBackend {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIBackend{client: openai.NewClientWithConfig(clientCfg)}
}

func (b *OpenAIBackend) Name() string { return "openai" }

// Call sends one chat completion request and returns the first choice.
func (b *OpenAIBackend) Call(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		role := openai.ChatMessageRoleUser
		if m.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = float32(req.Temperature)
	}

	resp, err := b.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, b.wrapError(err, req.Model)
	}
	if len(resp.Choices) == 0 {
		return nil, NewError("openai", req.Model, ReasonParse, errors.New("completion had no choices"))
	}

	return &Response{
		Content: resp.Choices[0].Message.Content,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
		LatencyMS: time.Since(start).Milliseconds(),
		Attempts:  1,
	}, nil
}

func (b *OpenAIBackend) wrapError(err error, model string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NewError("openai", model, ReasonAbort, err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429:
			return NewError("openai", model, ReasonRateLimit, err)
		case apiErr.HTTPStatusCode >= 500:
			return NewError("openai", model, ReasonTransport, err)
		default:
			return NewError("openai", model, ReasonParse,
				fmt.Errorf("request rejected (status %d): %w", apiErr.HTTPStatusCode, err))
		}
	}
	return NewError("openai", model, ReasonTransport, err)
}
