package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimited wraps a Provider with a token-bucket limiter so a busy story
// (interval evaluations plus cue generations) cannot exceed the backend's
// request quota. Requests wait for a slot rather than failing, honouring
// context cancellation while they wait.
type RateLimited struct {
	inner   Provider
	limiter *rate.Limiter
}

// NewRateLimited wraps inner with a limiter allowing rps requests per second
// with the given burst. rps <= 0 or burst <= 0 panic; a provider that should
// not be limited should simply not be wrapped.
func NewRateLimited(inner Provider, rps float64, burst int) *RateLimited {
	if rps <= 0 || burst <= 0 {
		panic(fmt.Sprintf("llm: invalid rate limit rps=%v burst=%d", rps, burst))
	}
	return &RateLimited{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// StreamCompletion waits for a limiter slot, then delegates.
func (r *RateLimited) StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("llm: rate limit wait: %w", err)
	}
	return r.inner.StreamCompletion(ctx, req)
}

// Complete waits for a limiter slot, then delegates.
func (r *RateLimited) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("llm: rate limit wait: %w", err)
	}
	return r.inner.Complete(ctx, req)
}

// CountTokens delegates without consuming a slot; token counting is local.
func (r *RateLimited) CountTokens(messages []Message) (int, error) {
	return r.inner.CountTokens(messages)
}

// Capabilities delegates to the wrapped provider.
func (r *RateLimited) Capabilities() ModelCapabilities {
	return r.inner.Capabilities()
}

var _ Provider = (*RateLimited)(nil)
