package backend

import (
	"context"
	"errors"
	"sync"
	"time"
)

// FakeStep is one scripted response or failure for a Fake backend.
type FakeStep struct {
	Content string
	Err     error
	Usage   Usage
}

// Fake is a scripted Backend for tests. Each Call consumes the next step;
// when the script is exhausted it repeats the last step, or fails if the
// script is empty. Safe for concurrent use.
type Fake struct {
	mu    sync.Mutex
	steps []FakeStep
	pos   int

	// Respond overrides the script when set: it is called with the request
	// and its return value is used verbatim.
	Respond func(req *Request) (string, error)

	calls []*Request
}

// NewFake creates a fake backend with the given script.
func NewFake(steps ...FakeStep) *Fake {
	return &Fake{steps: steps}
}

func (f *Fake) Name() string { return "fake" }

// Call returns the next scripted step.
func (f *Fake) Call(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewError("fake", req.Model, ReasonAbort, err)
	}

	f.mu.Lock()
	f.calls = append(f.calls, req)
	if f.Respond != nil {
		fn := f.Respond
		f.mu.Unlock()
		content, err := fn(req)
		if err != nil {
			return nil, err
		}
		return &Response{Content: content, LatencyMS: 1, Attempts: 1}, nil
	}
	if len(f.steps) == 0 {
		f.mu.Unlock()
		return nil, NewError("fake", req.Model, ReasonTransport, errors.New("fake backend has no script"))
	}
	step := f.steps[f.pos]
	if f.pos < len(f.steps)-1 {
		f.pos++
	}
	f.mu.Unlock()

	if step.Err != nil {
		return nil, step.Err
	}
	usage := step.Usage
	if usage == (Usage{}) {
		usage = Usage{InputTokens: 10, OutputTokens: 20}
	}
	return &Response{
		Content:   step.Content,
		Usage:     usage,
		LatencyMS: time.Millisecond.Milliseconds(),
		Attempts:  1,
	}, nil
}

// Calls returns a copy of every request seen so far, in order.
func (f *Fake) Calls() []*Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Request, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallCount returns the number of calls made.
func (f *Fake) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}
