package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/questline/internal/host"
	"github.com/MrWong99/questline/internal/resilience"
	"github.com/MrWong99/questline/internal/snapshot"
	"github.com/MrWong99/questline/internal/story"
	"github.com/MrWong99/questline/pkg/provider/llm"
	"github.com/MrWong99/questline/pkg/provider/llm/mock"
)

// ─────────────────────────────────────────────────────────────────────────────
// handler
// ─────────────────────────────────────────────────────────────────────────────

func TestHealthz_AlwaysReturns200(t *testing.T) {
	h := New()

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
}

func TestHealthz_ContentType(t *testing.T) {
	h := New()
	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, req)

	ct := rec.Header().Get("Content-Type")
	if ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestReadyz_AllCheckersPass(t *testing.T) {
	h := New(
		Checker{Name: "story", Check: func(_ context.Context) error { return nil }},
		Checker{Name: "provider", Check: func(_ context.Context) error { return nil }},
	)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
	if body.Checks["story"] != "ok" {
		t.Errorf("story check = %q, want %q", body.Checks["story"], "ok")
	}
	if body.Checks["provider"] != "ok" {
		t.Errorf("provider check = %q, want %q", body.Checks["provider"], "ok")
	}
}

func TestReadyz_CheckerFails(t *testing.T) {
	h := New(
		Checker{Name: "snapshot_store", Check: func(_ context.Context) error {
			return errors.New("connection refused")
		}},
		Checker{Name: "provider", Check: func(_ context.Context) error { return nil }},
	)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "fail" {
		t.Errorf("status = %q, want %q", body.Status, "fail")
	}
	if body.Checks["snapshot_store"] != "fail: connection refused" {
		t.Errorf("snapshot_store check = %q, want %q",
			body.Checks["snapshot_store"], "fail: connection refused")
	}
	if body.Checks["provider"] != "ok" {
		t.Errorf("provider check = %q, want %q", body.Checks["provider"], "ok")
	}
}

func TestReadyz_NoCheckers(t *testing.T) {
	h := New()

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
}

func TestReadyz_AllCheckersFail(t *testing.T) {
	h := New(
		Checker{Name: "host", Check: func(_ context.Context) error {
			return errors.New("timeout")
		}},
		Checker{Name: "provider", Check: func(_ context.Context) error {
			return errors.New("no generation provider configured")
		}},
	)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "fail" {
		t.Errorf("status = %q, want %q", body.Status, "fail")
	}
	if body.Checks["host"] != "fail: timeout" {
		t.Errorf("host check = %q", body.Checks["host"])
	}
	if body.Checks["provider"] != "fail: no generation provider configured" {
		t.Errorf("provider check = %q", body.Checks["provider"])
	}
}

func TestRegister_RoutesWork(t *testing.T) {
	h := New(
		Checker{Name: "test", Check: func(_ context.Context) error { return nil }},
	)

	mux := http.NewServeMux()
	h.Register(mux)

	tests := []struct {
		path       string
		wantStatus int
	}{
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusOK},
	}

	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			req := httptest.NewRequest("GET", tc.path, nil)
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
		})
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	h := New(
		Checker{Name: "slow", Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	req := httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// checkers
// ─────────────────────────────────────────────────────────────────────────────

func testGraph(t *testing.T) *story.Graph {
	t.Helper()
	g, err := story.Compile(&story.Definition{
		Name: "Probe Story",
		Checkpoints: []story.CheckpointDefinition{
			{ID: "start", Name: "Start", Objective: "Begin."},
		},
	})
	if err != nil {
		t.Fatalf("Compile: unexpected error: %v", err)
	}
	return g
}

func TestStoryLoaded(t *testing.T) {
	ctx := context.Background()

	if err := StoryLoaded(testGraph(t)).Check(ctx); err != nil {
		t.Errorf("loaded graph: unexpected error: %v", err)
	}
	if err := StoryLoaded(nil).Check(ctx); err == nil {
		t.Error("nil graph: expected error, got nil")
	}
	if err := StoryLoaded(&story.Graph{}).Check(ctx); err == nil {
		t.Error("empty graph: expected error, got nil")
	}
}

func TestHostConnected(t *testing.T) {
	ctx := context.Background()

	h := host.NewMemHost("Captain Vex")
	if err := HostConnected(h).Check(ctx); err != nil {
		t.Errorf("open host: unexpected error: %v", err)
	}

	h.Close()
	if err := HostConnected(h).Check(ctx); !errors.Is(err, host.ErrNotConnected) {
		t.Errorf("closed host: error = %v, want %v", err, host.ErrNotConnected)
	}

	if err := HostConnected(nil).Check(ctx); err == nil {
		t.Error("nil host: expected error, got nil")
	}
}

func TestProviderAvailable(t *testing.T) {
	ctx := context.Background()

	healthy, err := resilience.NewFailover(resilience.BreakerConfig{},
		resilience.Backend{Name: "primary", Provider: &mock.Provider{}},
	)
	if err != nil {
		t.Fatalf("NewFailover: unexpected error: %v", err)
	}
	if err := ProviderAvailable(healthy).Check(ctx); err != nil {
		t.Errorf("healthy failover: unexpected error: %v", err)
	}

	if err := ProviderAvailable(nil).Check(ctx); err == nil {
		t.Error("nil failover: expected error, got nil")
	}
}

func TestProviderAvailable_AllCircuitsOpen(t *testing.T) {
	ctx := context.Background()

	f, err := resilience.NewFailover(resilience.BreakerConfig{MaxFailures: 1},
		resilience.Backend{Name: "primary", Provider: &mock.Provider{
			CompleteErr: errors.New("upstream down"),
		}},
	)
	if err != nil {
		t.Fatalf("NewFailover: unexpected error: %v", err)
	}

	// One failed call trips the single backend's breaker open.
	if _, err := f.Complete(ctx, llm.CompletionRequest{}); err == nil {
		t.Fatal("Complete: expected error, got nil")
	}

	if err := ProviderAvailable(f).Check(ctx); err == nil {
		t.Error("all circuits open: expected error, got nil")
	}
}

func TestStoreReachable(t *testing.T) {
	ctx := context.Background()

	if err := StoreReachable(snapshot.NewMemStore()).Check(ctx); err != nil {
		t.Errorf("mem store: unexpected error: %v", err)
	}
	if err := StoreReachable(nil).Check(ctx); err == nil {
		t.Error("nil store: expected error, got nil")
	}
}
