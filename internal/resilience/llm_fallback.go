package resilience

import (
	"context"

	"github.com/MrWong99/spoilerguess/pkg/provider/llm"
)

var _ llm.Provider = (*LLMFallback)(nil)

// LLMFallback presents an ordered list of model backends as one
// [llm.Provider]. Each Complete call tries the backends in order, skipping any
// whose breaker is open.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

// NewLLMFallback creates an LLMFallback with primary as the first backend.
func NewLLMFallback(primary llm.Provider, name string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, name, cfg)}
}

// AddFallback registers another backend after those already added.
func (f *LLMFallback) AddFallback(name string, p llm.Provider) {
	f.group.AddFallback(name, p)
}

// Complete sends req to the first backend that answers successfully.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// ModelID returns the primary backend's model identifier.
func (f *LLMFallback) ModelID() string {
	return f.group.Primary().ModelID()
}

// Backends lists backend names in the order they are tried.
func (f *LLMFallback) Backends() []string {
	return f.group.Names()
}

// States reports each backend's breaker state.
func (f *LLMFallback) States() map[string]State {
	return f.group.States()
}
