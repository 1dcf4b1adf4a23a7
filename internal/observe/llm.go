package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/questline/pkg/provider/llm"
)

// instrumentedProvider wraps an [llm.Provider] with spans and metrics.
type instrumentedProvider struct {
	name string
	p    llm.Provider
	m    *Metrics
}

var _ llm.Provider = (*instrumentedProvider)(nil)

// WrapProvider returns an [llm.Provider] that records a span, call latency,
// and request/error counters around every call to p. The name appears as the
// provider attribute on all recorded telemetry.
func WrapProvider(name string, p llm.Provider, m *Metrics) llm.Provider {
	return &instrumentedProvider{name: name, p: p, m: m}
}

// record finishes telemetry for a single call. For streams the recorded
// duration covers only the connection attempt, not the stream body.
func (ip *instrumentedProvider) record(ctx context.Context, op string, start time.Time, err error) {
	ip.m.LLMDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(
			attribute.String("provider", ip.name),
			attribute.String("op", op),
		),
	)
	status := "ok"
	if err != nil {
		status = "error"
		ip.m.RecordProviderError(ctx, ip.name, op)
	}
	ip.m.RecordProviderRequest(ctx, ip.name, op, status)
}

func (ip *instrumentedProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	start := time.Now()
	ctx, span := StartSpan(ctx, "llm.complete",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("provider", ip.name)),
	)
	defer span.End()

	resp, err := ip.p.Complete(ctx, req)
	ip.record(ctx, "complete", start, err)
	return resp, err
}

func (ip *instrumentedProvider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	start := time.Now()
	ctx, span := StartSpan(ctx, "llm.stream",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("provider", ip.name)),
	)
	defer span.End()

	ch, err := ip.p.StreamCompletion(ctx, req)
	ip.record(ctx, "stream", start, err)
	return ch, err
}

func (ip *instrumentedProvider) CountTokens(messages []llm.Message) (int, error) {
	count, err := ip.p.CountTokens(messages)
	if err != nil {
		ip.m.RecordProviderError(context.Background(), ip.name, "count_tokens")
	}
	return count, err
}

func (ip *instrumentedProvider) Capabilities() llm.ModelCapabilities {
	return ip.p.Capabilities()
}
