// Package backend provides the model backend abstraction for the evaluation
// harness. A Backend makes one blocking call to a named model and returns the
// completion text plus usage and latency counters. Transport faults and rate
// limits are retried with jittered exponential backoff; parse and abort
// failures are surfaced to the caller unretried.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/tutorbench/internal/retry"
)

// Default wall-clock timeouts per role. Judge calls read whole transcripts
// and need the longer budget.
const (
	DefaultCallTimeout  = 120 * time.Second
	DefaultJudgeTimeout = 180 * time.Second
)

// Message is one turn of conversation context sent to the model.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Request describes one model call.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64

	// Timeout bounds the call including retries. Zero means DefaultCallTimeout.
	Timeout time.Duration
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the outcome of a successful call.
type Response struct {
	Content   string
	Usage     Usage
	LatencyMS int64

	// Attempts counts transport attempts including retries.
	Attempts int
}

// Backend is a uniform async call surface over one provider.
// Implementations are safe for concurrent use.
type Backend interface {
	// Name returns the provider name ("anthropic", "openai", "fake").
	Name() string

	// Call sends the request and blocks until completion, retry exhaustion,
	// or context cancellation.
	Call(ctx context.Context, req *Request) (*Response, error)
}

// Reason classifies a backend failure.
type Reason string

const (
	// ReasonTransport covers network and HTTP-layer failures, including 5xx.
	ReasonTransport Reason = "transport"
	// ReasonRateLimit is a 429 or equivalent throttling response.
	ReasonRateLimit Reason = "rate_limit"
	// ReasonParse means the completion could not be decoded to the expected
	// structured shape. Never retried at the transport layer.
	ReasonParse Reason = "parse"
	// ReasonAbort is user cancellation or deadline exceeded.
	ReasonAbort Reason = "abort"
)

// IsRetryable reports whether a failure with this reason may succeed on retry.
func (r Reason) IsRetryable() bool {
	return r == ReasonTransport || r == ReasonRateLimit
}

// Error is a classified backend failure.
type Error struct {
	Provider string
	Model    string
	Reason   Reason

	// RetryAfter carries a server-provided reset hint for rate limits.
	// Zero when the server gave none.
	RetryAfter time.Duration

	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.Provider, e.Model, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Provider, e.Model, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// DelayHint implements retry.DelayHinter so a rate-limit reset hint
// overrides the computed backoff.
func (e *Error) DelayHint() time.Duration { return e.RetryAfter }

// NewError builds a classified error.
func NewError(provider, model string, reason Reason, err error) *Error {
	return &Error{Provider: provider, Model: model, Reason: reason, Err: err}
}

// ReasonOf extracts the failure reason from an error chain.
// Unclassified errors report ReasonTransport.
func ReasonOf(err error) Reason {
	var be *Error
	if errors.As(err, &be) {
		return be.Reason
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ReasonAbort
	}
	return ReasonTransport
}

// Retrying wraps a Backend with bounded jittered retries on transport and
// rate-limit failures. Parse and abort failures pass through unretried.
type Retrying struct {
	inner Backend
	cfg   retry.Config
}

// WithRetries wraps b. A zero-value config selects retry.DefaultConfig.
func WithRetries(b Backend, cfg retry.Config) *Retrying {
	if cfg.MaxAttempts == 0 {
		cfg = retry.DefaultConfig()
	}
	return &Retrying{inner: b, cfg: cfg}
}

func (r *Retrying) Name() string { return r.inner.Name() }

// Call invokes the inner backend, retrying retryable failures. The returned
// response's Attempts and LatencyMS cover all attempts.
func (r *Retrying) Call(ctx context.Context, req *Request) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var resp *Response
	result := retry.Do(ctx, r.cfg, func() error {
		inner, err := r.inner.Call(ctx, req)
		if err != nil {
			if !ReasonOf(err).IsRetryable() {
				return retry.Permanent(err)
			}
			return err
		}
		resp = inner
		return nil
	})
	if result.Err != nil {
		if errors.Is(result.Err, context.Canceled) || errors.Is(result.Err, context.DeadlineExceeded) {
			return nil, NewError(r.inner.Name(), req.Model, ReasonAbort, result.Err)
		}
		return nil, result.Err
	}
	resp.Attempts = result.Attempts
	resp.LatencyMS = result.Duration.Milliseconds()
	return resp, nil
}
