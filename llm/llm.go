// Package llm provides the provider abstraction used by Stage 2 (targeted
// header/row repair) and Stage 3 (chunked extraction): a minimal
// "complete this prompt, get text back" interface plus a registry of
// connectors, flattened down to the single call shape the pipeline needs.
package llm

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNoProvider is returned when no connector is registered for a model.
var ErrNoProvider = errors.New("llm: no provider registered for model")

// Request is a single completion call: the pipeline only ever sends
// one user turn plus an optional system instruction, so there is no
// multi-turn chat history to carry.
type Request struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Usage mirrors the provider-reported token counts, used by the cost
// estimator (§4.J alert #2).
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Response is a single completion result.
type Response struct {
	Text  string
	Usage Usage
}

// Provider is implemented by each connector (Anthropic, and any
// OpenAI-compatible endpoint).
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
}

// Registry resolves a model name to the connector that serves it.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	// modelProvider maps a model identifier to a registered provider name.
	modelProvider map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		providers:     make(map[string]Provider),
		modelProvider: make(map[string]string),
	}
}

// Register adds a connector and binds it as the handler for the given
// model identifiers (e.g. "claude-3-5-haiku-20241022").
func (r *Registry) Register(p Provider, models ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	for _, m := range models {
		r.modelProvider[m] = p.Name()
	}
}

// Resolve returns the connector bound to model, or ErrNoProvider.
func (r *Registry) Resolve(model string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.modelProvider[model]
	if !ok {
		return nil, ErrNoProvider
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, ErrNoProvider
	}
	return p, nil
}

// ModelNames lists every model identifier bound to a registered
// provider, for the admin provider-visibility endpoint.
func (r *Registry) ModelNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.modelProvider))
	for m := range r.modelProvider {
		names = append(names, m)
	}
	return names
}

// Complete resolves model to a provider and runs the call under the
// given timeout (spec §5: "LLM calls carry per-call timeouts").
func (r *Registry) Complete(ctx context.Context, req Request, timeout time.Duration) (Response, error) {
	p, err := r.Resolve(req.Model)
	if err != nil {
		return Response{}, err
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.Complete(callCtx, req)
}
