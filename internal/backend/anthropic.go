package backend

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicBackend implements Backend over the Anthropic Messages API.
// Calls are non-streaming: the dialogue engine needs whole completions, not
// incremental tokens.
type AnthropicBackend struct {
	client anthropic.Client
}

// AnthropicConfig configures an AnthropicBackend.
type AnthropicConfig struct {
	// APIKey authenticates requests. Empty falls back to ANTHROPIC_API_KEY.
	APIKey string
	// BaseURL overrides the API endpoint (proxies, test servers).
	BaseURL string
}

// NewAnthropicBackend creates a backend over the Anthropic API.
func NewAnthropicBackend(cfg AnthropicConfig) *AnthropicBackend {
	opts := []option.RequestOption{}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	// The SDK retries internally by default; the harness owns retry policy.
	opts = append(opts, option.WithMaxRetries(0))
	return &AnthropicBackend{client: anthropic.NewClient(opts...)}
}

func (b *AnthropicBackend) Name() string { return "anthropic" }

// Call sends one Messages request and returns the concatenated text blocks.
func (b *AnthropicBackend) Call(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  convertAnthropicMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	msg, err := b.client.Messages.New(ctx, params)
	if err != nil {
		return nil, b.wrapError(err, req.Model)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(text.Text)
		}
	}

	return &Response{
		Content: sb.String(),
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
		LatencyMS: time.Since(start).Milliseconds(),
		Attempts:  1,
	}, nil
}

// wrapError classifies an SDK failure into the backend taxonomy. Rate limits
// carry the server's retry-after hint when one was sent.
func (b *AnthropicBackend) wrapError(err error, model string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NewError("anthropic", model, ReasonAbort, err)
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			be := NewError("anthropic", model, ReasonRateLimit, err)
			if apiErr.Response != nil {
				be.RetryAfter = parseRetryAfter(apiErr.Response.Header.Get("retry-after"))
			}
			return be
		case apiErr.StatusCode >= 500:
			return NewError("anthropic", model, ReasonTransport, err)
		default:
			// 4xx other than 429 will not succeed on retry.
			return NewError("anthropic", model, ReasonParse,
				fmt.Errorf("request rejected (status %d): %w", apiErr.StatusCode, err))
		}
	}
	return NewError("anthropic", model, ReasonTransport, err)
}

func convertAnthropicMessages(msgs []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return out
}

// parseRetryAfter interprets a Retry-After header value as seconds.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return 0
}
