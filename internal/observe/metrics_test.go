package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// counterValue finds the int64 sum data point matching the attribute key and
// value, returning the value and whether it was found.
func counterValue(met *metricdata.Metrics, key, value string) (int64, bool) {
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		return 0, false
	}
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value, true
			}
		}
	}
	return 0, false
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"questline.verdict.duration", m.VerdictDuration},
		{"questline.cue.duration", m.CueDuration},
		{"questline.llm.duration", m.LLMDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.8)
		tc.h.Record(ctx, 2.4)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestRecordVerdict(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordVerdict(ctx, "continue", 1.2)
	m.RecordVerdict(ctx, "continue", 0.9)
	m.RecordVerdict(ctx, "win", 2.1)

	rm := collect(t, reader)
	met := findMetric(rm, "questline.verdicts")
	if met == nil {
		t.Fatal("verdict counter not found")
	}
	if got, ok := counterValue(met, "decision", "continue"); !ok || got != 2 {
		t.Errorf("continue verdicts = %d (found=%v), want 2", got, ok)
	}
	if got, ok := counterValue(met, "decision", "win"); !ok || got != 1 {
		t.Errorf("win verdicts = %d (found=%v), want 1", got, ok)
	}

	hmet := findMetric(rm, "questline.verdict.duration")
	if hmet == nil {
		t.Fatal("verdict duration not found")
	}
	hist, ok := hmet.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("verdict duration is not a histogram")
	}
	var total uint64
	for _, dp := range hist.DataPoints {
		total += dp.Count
	}
	if total != 3 {
		t.Errorf("verdict duration samples = %d, want 3", total)
	}
}

func TestRecordTransition(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTransition(ctx, "win")
	m.RecordTransition(ctx, "win")
	m.RecordTransition(ctx, "manual")

	rm := collect(t, reader)
	met := findMetric(rm, "questline.checkpoint.transitions")
	if met == nil {
		t.Fatal("metric not found")
	}
	if got, ok := counterValue(met, "reason", "win"); !ok || got != 2 {
		t.Errorf("win transitions = %d (found=%v), want 2", got, ok)
	}
}

func TestRecordCueDelivery(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCueDelivery(ctx, "instruct", "ok", 1.5)
	m.RecordCueDelivery(ctx, "say", "error", 0.01)

	rm := collect(t, reader)
	met := findMetric(rm, "questline.cue.deliveries")
	if met == nil {
		t.Fatal("metric not found")
	}
	if got, ok := counterValue(met, "mode", "instruct"); !ok || got != 1 {
		t.Errorf("instruct deliveries = %d (found=%v), want 1", got, ok)
	}
	if got, ok := counterValue(met, "status", "error"); !ok || got != 1 {
		t.Errorf("error deliveries = %d (found=%v), want 1", got, ok)
	}
}

func TestRecordProviderRequest(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "openai", "complete", "ok")
	m.RecordProviderRequest(ctx, "openai", "complete", "ok")
	m.RecordProviderRequest(ctx, "openai", "complete", "error")

	rm := collect(t, reader)
	met := findMetric(rm, "questline.provider.requests")
	if met == nil {
		t.Fatal("metric not found")
	}
	if got, ok := counterValue(met, "status", "ok"); !ok || got != 2 {
		t.Errorf("ok requests = %d (found=%v), want 2", got, ok)
	}
	if got, ok := counterValue(met, "status", "error"); !ok || got != 1 {
		t.Errorf("error requests = %d (found=%v), want 1", got, ok)
	}
}

func TestRecordTurn(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTurn(ctx, "user")
	m.RecordTurn(ctx, "character")
	m.RecordTurn(ctx, "character")

	rm := collect(t, reader)
	met := findMetric(rm, "questline.turns")
	if met == nil {
		t.Fatal("metric not found")
	}
	if got, ok := counterValue(met, "kind", "character"); !ok || got != 2 {
		t.Errorf("character turns = %d (found=%v), want 2", got, ok)
	}
}

func TestActiveSessionsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	met := findMetric(rm, "questline.active_sessions")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if len(sum.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("gauge value = %d, want 1", got)
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "questline.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
