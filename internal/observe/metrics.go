// Package observe provides application-wide observability primitives for
// Questline: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Questline metrics.
const meterName = "github.com/MrWong99/questline"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use. The underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// VerdictDuration tracks checkpoint evaluation latency, from excerpt
	// assembly through model call to parsed verdict.
	VerdictDuration metric.Float64Histogram

	// CueDuration tracks cue delivery latency, including line generation
	// for instruct cues.
	CueDuration metric.Float64Histogram

	// LLMDuration tracks raw model call latency. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("op", ...)
	LLMDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts accepted story turns. Use with attribute:
	//   attribute.String("kind", "user"|"character")
	Turns metric.Int64Counter

	// Verdicts counts applied checkpoint verdicts. Use with attribute:
	//   attribute.String("decision", "win"|"fail"|"continue")
	Verdicts metric.Int64Counter

	// CheckpointTransitions counts checkpoint changes. Use with attribute:
	//   attribute.String("reason", ...)
	CheckpointTransitions metric.Int64Counter

	// CueDeliveries counts cue lines pushed into the chat. Use with
	// attributes:
	//   attribute.String("mode", "say"|"instruct"), attribute.String("status", ...)
	CueDeliveries metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("op", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("op", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live story sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// model-call latencies, which dominate both verdicts and cue generation.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.VerdictDuration, err = m.Float64Histogram("questline.verdict.duration",
		metric.WithDescription("Latency of a checkpoint evaluation from excerpt to verdict."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CueDuration, err = m.Float64Histogram("questline.cue.duration",
		metric.WithDescription("Latency of cue delivery including line generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("questline.llm.duration",
		metric.WithDescription("Latency of raw model calls by provider and operation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("questline.turns",
		metric.WithDescription("Total accepted story turns by speaker kind."),
	); err != nil {
		return nil, err
	}
	if met.Verdicts, err = m.Int64Counter("questline.verdicts",
		metric.WithDescription("Total applied checkpoint verdicts by decision."),
	); err != nil {
		return nil, err
	}
	if met.CheckpointTransitions, err = m.Int64Counter("questline.checkpoint.transitions",
		metric.WithDescription("Total checkpoint changes by reason."),
	); err != nil {
		return nil, err
	}
	if met.CueDeliveries, err = m.Int64Counter("questline.cue.deliveries",
		metric.WithDescription("Total cue lines pushed into the chat by mode and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("questline.provider.requests",
		metric.WithDescription("Total provider API requests by provider, operation, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("questline.provider.errors",
		metric.WithDescription("Total provider errors by provider and operation."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("questline.active_sessions",
		metric.WithDescription("Number of live story sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("questline.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTurn records an accepted story turn for the given speaker kind.
func (m *Metrics) RecordTurn(ctx context.Context, kind string) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordVerdict records an applied verdict and its evaluation latency.
func (m *Metrics) RecordVerdict(ctx context.Context, decision string, seconds float64) {
	m.Verdicts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("decision", decision)),
	)
	m.VerdictDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("decision", decision)),
	)
}

// RecordTransition records a checkpoint change with the reason that drove it.
func (m *Metrics) RecordTransition(ctx context.Context, reason string) {
	m.CheckpointTransitions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordCueDelivery records a cue line attempt with its mode and outcome.
func (m *Metrics) RecordCueDelivery(ctx context.Context, mode, status string, seconds float64) {
	m.CueDeliveries.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("status", status),
		),
	)
	m.CueDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("mode", mode)),
	)
}

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, op, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("op", op),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, op string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("op", op),
		),
	)
}
