package ruminate

import (
	"context"
	"errors"
	"sync"

	"github.com/zoobzio/zyn"
)

// CompletionRequest is one completion-service call: a system+user prompt
// pair, a token cap, and a sampling temperature.
type CompletionRequest struct {
	System      string
	User        string
	MaxTokens   int
	Temperature float32
}

// Completion is the service's reply: generated text plus token usage.
type Completion struct {
	Text  string
	Usage zyn.TokenUsage
}

// Provider is the language-model completion service. Complete drives the
// per-stage calls with an explicit token cap. Call satisfies zyn.Provider
// so zyn synapses can drive the same service for auxiliary calls, such as
// the gate's clarifying questions.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
	Call(ctx context.Context, messages []zyn.Message, temperature float32) (*zyn.ProviderResponse, error)
	Name() string
}

// Context key for provider.
type providerKeyType struct{}

var providerKey = providerKeyType{}

// Global provider fallback.
var (
	globalProvider   Provider
	globalProviderMu sync.RWMutex
)

// ErrNoProvider is returned when no provider can be resolved.
var ErrNoProvider = errors.New("no provider configured: set via pipeline, context, or global")

// SetProvider sets the global fallback provider, used when no pipeline or
// context provider is available.
func SetProvider(p Provider) {
	globalProviderMu.Lock()
	defer globalProviderMu.Unlock()
	globalProvider = p
}

// GetProvider returns the global provider, if set.
func GetProvider() Provider {
	globalProviderMu.RLock()
	defer globalProviderMu.RUnlock()
	return globalProvider
}

// WithProviderContext adds a provider to the context.
func WithProviderContext(ctx context.Context, p Provider) context.Context {
	return context.WithValue(ctx, providerKey, p)
}

// ProviderFromContext retrieves the provider from context, if present.
func ProviderFromContext(ctx context.Context) (Provider, bool) {
	p, ok := ctx.Value(providerKey).(Provider)
	return p, ok
}

// ResolveProvider determines which provider to use:
// 1. Explicit provider (pipeline-level)
// 2. Context provider
// 3. Global provider
// 4. Error if none found.
func ResolveProvider(ctx context.Context, explicit Provider) (Provider, error) {
	if explicit != nil {
		return explicit, nil
	}

	if p, ok := ProviderFromContext(ctx); ok {
		return p, nil
	}

	globalProviderMu.RLock()
	p := globalProvider
	globalProviderMu.RUnlock()

	if p != nil {
		return p, nil
	}

	return nil, ErrNoProvider
}
