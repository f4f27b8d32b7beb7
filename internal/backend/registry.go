package backend

import (
	"fmt"
	"os"
	"sync"

	"github.com/haasonsaas/tutorbench/internal/retry"
)

// Registry resolves provider names to retrying backends. Backends are built
// lazily and shared, so a run hitting both providers holds one client each.
type Registry struct {
	mu       sync.Mutex
	backends map[string]Backend
	retryCfg retry.Config
}

// NewRegistry creates a registry with the given retry policy for all
// provider backends. A zero-value config selects retry.DefaultConfig.
func NewRegistry(retryCfg retry.Config) *Registry {
	return &Registry{
		backends: make(map[string]Backend),
		retryCfg: retryCfg,
	}
}

// Register installs a pre-built backend under its name, replacing any lazy
// construction. Tests use this to inject fakes.
func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.Name()] = WithRetries(b, r.retryCfg)
}

// Get returns the backend for a provider name, building it on first use.
// Unknown providers are a configuration error.
func (r *Registry) Get(provider string) (Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.backends[provider]; ok {
		return b, nil
	}

	var inner Backend
	switch provider {
	case "anthropic":
		inner = NewAnthropicBackend(AnthropicConfig{APIKey: os.Getenv("ANTHROPIC_API_KEY")})
	case "openai":
		inner = NewOpenAIBackend(OpenAIConfig{APIKey: os.Getenv("OPENAI_API_KEY")})
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}

	b := WithRetries(inner, r.retryCfg)
	r.backends[provider] = b
	return b, nil
}
