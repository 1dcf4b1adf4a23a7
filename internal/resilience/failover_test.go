package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/questline/pkg/provider/llm"
	llmmock "github.com/MrWong99/questline/pkg/provider/llm/mock"
)

func TestNewFailover_RequiresBackend(t *testing.T) {
	if _, err := NewFailover(BreakerConfig{}); err == nil {
		t.Fatal("expected error for empty backend list")
	}
	if _, err := NewFailover(BreakerConfig{}, Backend{Name: "broken"}); err == nil {
		t.Fatal("expected error for nil provider")
	}
}

func TestFailover_Complete_PrimarySuccess(t *testing.T) {
	primary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "hello from primary"},
	}
	secondary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "hello from secondary"},
	}

	f, err := NewFailover(BreakerConfig{MaxFailures: 3},
		Backend{Name: "primary", Provider: primary},
		Backend{Name: "secondary", Provider: secondary})
	if err != nil {
		t.Fatalf("NewFailover: %v", err)
	}

	resp, err := f.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello from primary" {
		t.Fatalf("content = %q, want 'hello from primary'", resp.Content)
	}
	if len(primary.CompleteCalls) != 1 {
		t.Fatalf("primary called %d times, want 1", len(primary.CompleteCalls))
	}
	if len(secondary.CompleteCalls) != 0 {
		t.Fatalf("secondary called %d times, want 0", len(secondary.CompleteCalls))
	}
}

func TestFailover_Complete_SecondaryTakesOver(t *testing.T) {
	primary := &llmmock.Provider{
		CompleteErr: errors.New("primary down"),
	}
	secondary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "hello from secondary"},
	}

	f, err := NewFailover(BreakerConfig{MaxFailures: 3},
		Backend{Name: "primary", Provider: primary},
		Backend{Name: "secondary", Provider: secondary})
	if err != nil {
		t.Fatalf("NewFailover: %v", err)
	}

	resp, err := f.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello from secondary" {
		t.Fatalf("content = %q, want 'hello from secondary'", resp.Content)
	}
}

func TestFailover_Complete_AllFail(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("primary down")}
	secondary := &llmmock.Provider{CompleteErr: errors.New("secondary down")}

	f, err := NewFailover(BreakerConfig{MaxFailures: 3},
		Backend{Name: "primary", Provider: primary},
		Backend{Name: "secondary", Provider: secondary})
	if err != nil {
		t.Fatalf("NewFailover: %v", err)
	}

	_, err = f.Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, ErrAllBackends) {
		t.Fatalf("err = %v, want ErrAllBackends", err)
	}
}

func TestFailover_OpenBreakerSkipsBackend(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("primary down")}
	secondary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "covered"},
	}

	f, err := NewFailover(BreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
		Backend{Name: "primary", Provider: primary},
		Backend{Name: "secondary", Provider: secondary})
	if err != nil {
		t.Fatalf("NewFailover: %v", err)
	}

	// First call trips the primary's breaker.
	if _, err := f.Complete(context.Background(), llm.CompletionRequest{}); err != nil {
		t.Fatalf("first call: unexpected error: %v", err)
	}
	// Second call skips the primary without touching it.
	if _, err := f.Complete(context.Background(), llm.CompletionRequest{}); err != nil {
		t.Fatalf("second call: unexpected error: %v", err)
	}

	if len(primary.CompleteCalls) != 1 {
		t.Errorf("primary called %d times, want 1 (breaker should skip it)", len(primary.CompleteCalls))
	}
	if len(secondary.CompleteCalls) != 2 {
		t.Errorf("secondary called %d times, want 2", len(secondary.CompleteCalls))
	}

	statuses := f.Statuses()
	if len(statuses) != 2 {
		t.Fatalf("got %d statuses, want 2", len(statuses))
	}
	if statuses[0].Name != "primary" || statuses[0].State != StateOpen {
		t.Errorf("primary status = %s/%v, want primary/open", statuses[0].Name, statuses[0].State)
	}
	if statuses[1].State != StateClosed {
		t.Errorf("secondary state = %v, want closed", statuses[1].State)
	}
}

func TestFailover_StreamCompletion_SecondaryTakesOver(t *testing.T) {
	primary := &llmmock.Provider{
		StreamErr: errors.New("stream failed"),
	}
	secondary := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "chunk1"}, {Text: "chunk2", FinishReason: "stop"}},
	}

	f, err := NewFailover(BreakerConfig{MaxFailures: 3},
		Backend{Name: "primary", Provider: primary},
		Backend{Name: "secondary", Provider: secondary})
	if err != nil {
		t.Fatalf("NewFailover: %v", err)
	}

	ch, err := f.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var chunks []llm.Chunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if chunks[0].Text != "chunk1" {
		t.Fatalf("chunk[0].Text = %q, want chunk1", chunks[0].Text)
	}
}

func TestFailover_CountTokens(t *testing.T) {
	primary := &llmmock.Provider{CountTokensErr: errors.New("count failed")}
	secondary := &llmmock.Provider{TokenCount: 42}

	f, err := NewFailover(BreakerConfig{MaxFailures: 3},
		Backend{Name: "primary", Provider: primary},
		Backend{Name: "secondary", Provider: secondary})
	if err != nil {
		t.Fatalf("NewFailover: %v", err)
	}

	count, err := f.CountTokens([]llm.Message{{Role: "user", Content: "test"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 42 {
		t.Fatalf("count = %d, want 42", count)
	}
}

func TestFailover_Capabilities(t *testing.T) {
	primary := &llmmock.Provider{
		ModelCapabilities: llm.ModelCapabilities{
			ContextWindow:     128000,
			SupportsStreaming: true,
		},
	}

	f, err := NewFailover(BreakerConfig{MaxFailures: 3},
		Backend{Name: "primary", Provider: primary})
	if err != nil {
		t.Fatalf("NewFailover: %v", err)
	}

	caps := f.Capabilities()
	if caps.ContextWindow != 128000 {
		t.Fatalf("ContextWindow = %d, want 128000", caps.ContextWindow)
	}
	if !caps.SupportsStreaming {
		t.Fatal("SupportsStreaming should be true")
	}
}
