package namematch_test

import (
	"testing"

	"github.com/MrWong99/questline/internal/namematch"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"Seraphina", "seraphina"},
		{"  Seraphina  ", "seraphina"},
		{"seraphina.png", "seraphina"},
		{"Seraphina.WEBP", "seraphina"},
		{"Señora Inés", "senora ines"},
		{"Iras   the  Broker", "iras the broker"},
		{"Dr. No", "dr. no"},
		{"", ""},
		{"   ", ""},
	}
	for _, c := range cases {
		if got := namematch.Normalize(c.in); got != c.want {
			t.Errorf("Normalize(%q): got %q, want %q", c.in, got, c.want)
		}
	}
}

func TestEqual(t *testing.T) {
	t.Parallel()

	if !namematch.Equal("Seraphina.png", "SERAPHINA") {
		t.Error("card filename and uppercase name should be the same identity")
	}
	if namematch.Equal("Seraphina", "Mordecai") {
		t.Error("distinct names should not be equal")
	}
}

func TestResolve_ExactAfterNormalization(t *testing.T) {
	t.Parallel()

	m := namematch.New()
	registry := []string{"Mordecai", "Seraphina", "Iras the Broker"}

	resolved, conf, ok := m.Resolve("seraphina.png", registry)
	if !ok {
		t.Fatal("Resolve: expected match")
	}
	if resolved != "Seraphina" {
		t.Errorf("resolved: got %q, want Seraphina", resolved)
	}
	if conf != 1 {
		t.Errorf("confidence: got %f, want 1 for exact identity", conf)
	}
}

func TestResolve_PhoneticMisspelling(t *testing.T) {
	t.Parallel()

	m := namematch.New()
	registry := []string{"Mordecai", "Seraphina"}

	// "seraphena" shares the Double Metaphone skeleton of "Seraphina".
	resolved, conf, ok := m.Resolve("seraphena", registry)
	if !ok {
		t.Fatal("Resolve: expected phonetic match")
	}
	if resolved != "Seraphina" {
		t.Errorf("resolved: got %q, want Seraphina", resolved)
	}
	if conf < 0.7 {
		t.Errorf("confidence: got %f, want >= 0.7", conf)
	}
}

func TestResolve_MultiWordName(t *testing.T) {
	t.Parallel()

	m := namematch.New()
	registry := []string{"Iras the Broker", "Seraphina"}

	resolved, _, ok := m.Resolve("eeras the broker", registry)
	if !ok {
		t.Fatal("Resolve: expected match on multi-word name")
	}
	if resolved != "Iras the Broker" {
		t.Errorf("resolved: got %q, want Iras the Broker", resolved)
	}
}

func TestResolve_NoMatch(t *testing.T) {
	t.Parallel()

	m := namematch.New()
	registry := []string{"Seraphina", "Mordecai"}

	resolved, conf, ok := m.Resolve("gundren", registry)
	if ok {
		t.Fatalf("Resolve: expected no match, got %q", resolved)
	}
	if resolved != "" || conf != 0 {
		t.Errorf("unresolved should return zero values, got %q/%f", resolved, conf)
	}
}

func TestResolve_EmptyInputs(t *testing.T) {
	t.Parallel()

	m := namematch.New()

	if _, _, ok := m.Resolve("", []string{"Seraphina"}); ok {
		t.Error("empty name should not resolve")
	}
	if _, _, ok := m.Resolve("Seraphina", nil); ok {
		t.Error("empty registry should not resolve")
	}
}

func TestResolve_ThresholdsReject(t *testing.T) {
	t.Parallel()

	m := namematch.New(
		namematch.WithPhoneticThreshold(0.99),
		namematch.WithFuzzyThreshold(0.99),
	)
	registry := []string{"Seraphina"}

	if _, _, ok := m.Resolve("seraphena", registry); ok {
		t.Error("thresholds at 0.99 should reject near-matches")
	}
}
