package resilience

import (
	"context"
	"time"

	"github.com/MrWong99/pocwisper/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] on top of a [FallbackGroup]. Each
// attempt gets its own timeout so a hung primary still leaves the fallbacks
// time to answer.
type LLMFallback struct {
	group   *FallbackGroup[llm.Provider]
	timeout time.Duration
}

// Compile-time interface assertion.
var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred
// backend. A zero attemptTimeout leaves deadlines to the caller's context.
func NewLLMFallback(primary llm.Provider, primaryName string, attemptTimeout time.Duration, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{
		group:   NewFallbackGroup(primary, primaryName, cfg),
		timeout: attemptTimeout,
	}
}

// AddFallback registers an additional LLM backend.
func (f *LLMFallback) AddFallback(name string, p llm.Provider) {
	f.group.AddFallback(name, p)
}

// States reports the breaker state of each backend.
func (f *LLMFallback) States() map[string]State { return f.group.States() }

// Complete sends req to the first healthy backend.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return Execute(ctx, f.group, func(ctx context.Context, _ string, p llm.Provider) (*llm.CompletionResponse, error) {
		if f.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, f.timeout)
			defer cancel()
		}
		return p.Complete(ctx, req)
	})
}
