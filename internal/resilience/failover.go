package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/questline/pkg/provider/llm"
)

// ErrAllBackends is returned when every backend in a [Failover] fails or has
// an open breaker.
var ErrAllBackends = errors.New("resilience: all llm backends failed")

// Backend names an llm.Provider for registration with [NewFailover].
type Backend struct {
	Name     string
	Provider llm.Provider
}

// entry pairs a backend with its dedicated breaker.
type entry struct {
	name     string
	provider llm.Provider
	breaker  *Breaker
}

// Failover implements [llm.Provider] with automatic failover across multiple
// backends. Each backend gets its own [Breaker]; when one fails or its
// breaker is open, the next is tried in registration order. The first
// backend is the primary and supplies the static [Failover.Capabilities].
//
// Failover is safe for concurrent use.
type Failover struct {
	entries []entry
}

var _ llm.Provider = (*Failover)(nil)

// NewFailover creates a [Failover] over backends, tried in order. The
// breaker config is applied per backend with the backend's name as the
// breaker name. At least one backend is required.
func NewFailover(cfg BreakerConfig, backends ...Backend) (*Failover, error) {
	if len(backends) == 0 {
		return nil, errors.New("resilience: failover needs at least one backend")
	}
	f := &Failover{entries: make([]entry, 0, len(backends))}
	for _, b := range backends {
		if b.Provider == nil {
			return nil, fmt.Errorf("resilience: backend %q has no provider", b.Name)
		}
		bc := cfg
		bc.Name = b.Name
		f.entries = append(f.entries, entry{
			name:     b.Name,
			provider: b.Provider,
			breaker:  NewBreaker(bc),
		})
	}
	return f, nil
}

// attempt tries fn against each backend in order until one succeeds.
// Open-breaker backends are skipped. This is a package-level function
// because Go does not support method-level type parameters.
func attempt[R any](f *Failover, fn func(llm.Provider) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range f.entries {
		e := &f.entries[i]
		var result R
		err := e.breaker.Do(func() error {
			var callErr error
			result, callErr = fn(e.provider)
			return callErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrBreakerOpen) {
			slog.Debug("llm backend skipped, circuit open", "backend", e.name)
		} else {
			slog.Warn("llm backend failed, trying next",
				"backend", e.name, "error", err)
		}
	}
	return zero, fmt.Errorf("%w: %v", ErrAllBackends, lastErr)
}

// Complete sends the request to the first healthy backend and returns its
// response.
func (f *Failover) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return attempt(f, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// StreamCompletion opens a stream on the first healthy backend. Only the
// initial connection participates in failover; once a stream is established,
// mid-stream errors are the caller's responsibility.
func (f *Failover) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return attempt(f, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

// CountTokens delegates to the first healthy backend's token counter.
func (f *Failover) CountTokens(messages []llm.Message) (int, error) {
	return attempt(f, func(p llm.Provider) (int, error) {
		return p.CountTokens(messages)
	})
}

// Capabilities returns the primary backend's capabilities. Capabilities are
// static metadata and do not participate in failover.
func (f *Failover) Capabilities() llm.ModelCapabilities {
	if len(f.entries) > 0 {
		return f.entries[0].provider.Capabilities()
	}
	return llm.ModelCapabilities{}
}

// BackendStatus reports one backend's breaker state, in registration order.
type BackendStatus struct {
	Name  string
	State State
}

// Statuses returns the breaker state of every backend. Health checks and the
// status surfaces use it to show which backends are currently shunned.
func (f *Failover) Statuses() []BackendStatus {
	out := make([]BackendStatus, len(f.entries))
	for i := range f.entries {
		out[i] = BackendStatus{Name: f.entries[i].name, State: f.entries[i].breaker.State()}
	}
	return out
}
