package postgres_test

import (
	"context"
	"errors"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/questline/internal/cue"
	"github.com/MrWong99/questline/internal/director"
	"github.com/MrWong99/questline/internal/snapshot"
	"github.com/MrWong99/questline/internal/snapshot/postgres"
	"github.com/MrWong99/questline/internal/stage"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if QUESTLINE_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("QUESTLINE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("QUESTLINE_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] with a clean snapshots table.
// It calls t.Cleanup to close the store when the test finishes.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	cleanPool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(cleanPool.Close)
	if _, err := cleanPool.Exec(ctx, "DROP TABLE IF EXISTS snapshots CASCADE"); err != nil {
		t.Fatalf("drop snapshots: %v", err)
	}

	store, err := postgres.New(ctx, dsn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleState(savedAt time.Time) snapshot.State {
	return snapshot.State{
		Version: snapshot.Version,
		Story:   "The Smuggler's Debt",
		SavedAt: savedAt,
		Director: director.State{
			ActiveID:          "cargo",
			Statuses:          map[string]string{"docks": "complete", "cargo": "current"},
			Turn:              7,
			TurnsSinceEval:    2,
			TurnsInCheckpoint: 3,
			IntervalTurns:     5,
		},
		Stage: stage.State{
			ActiveLore: []string{"docks"},
			AuthorNote: "Fog everywhere.",
			Preset:     map[string]string{"temperature": "0.7"},
		},
		Cues: cue.State{
			Counters:  map[string]cue.Counter{"docks/enter/0": {Fired: 1, LastTurn: 4}},
			Overrides: map[string]bool{"docks/enter/1": true},
		},
	}
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	want := sampleState(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	if err := store.Save(ctx, "table-1", want); err != nil {
		t.Fatalf("Save: unexpected error: %v", err)
	}

	got, err := store.Load(ctx, "table-1")
	if err != nil {
		t.Fatalf("Load: unexpected error: %v", err)
	}
	if got.Version != want.Version || got.Story != want.Story {
		t.Errorf("header: got version=%d story=%q, want version=%d story=%q",
			got.Version, got.Story, want.Version, want.Story)
	}
	if !got.SavedAt.Equal(want.SavedAt) {
		t.Errorf("SavedAt: got %v, want %v", got.SavedAt, want.SavedAt)
	}
	if !reflect.DeepEqual(got.Director, want.Director) {
		t.Errorf("Director: got %+v, want %+v", got.Director, want.Director)
	}
	if !reflect.DeepEqual(got.Stage, want.Stage) {
		t.Errorf("Stage: got %+v, want %+v", got.Stage, want.Stage)
	}
	if !reflect.DeepEqual(got.Cues, want.Cues) {
		t.Errorf("Cues: got %+v, want %+v", got.Cues, want.Cues)
	}
}

func TestStore_LoadMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Load(context.Background(), "never-saved")
	if !errors.Is(err, snapshot.ErrNotFound) {
		t.Fatalf("Load: got %v, want ErrNotFound", err)
	}
}

func TestStore_DeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.Save(ctx, "table-1", sampleState(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))); err != nil {
		t.Fatalf("Save: unexpected error: %v", err)
	}
	if err := store.Delete(ctx, "table-1"); err != nil {
		t.Fatalf("Delete: unexpected error: %v", err)
	}
	if _, err := store.Load(ctx, "table-1"); !errors.Is(err, snapshot.ErrNotFound) {
		t.Errorf("Load after delete: got %v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, "table-1"); err != nil {
		t.Errorf("second Delete: got %v, want nil", err)
	}
}

func TestStore_SessionsNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	saves := []struct {
		id string
		at time.Time
	}{
		{"alpha", base},
		{"beta", base.Add(time.Hour)},
		{"gamma", base.Add(30 * time.Minute)},
	}
	for _, s := range saves {
		if err := store.Save(ctx, s.id, sampleState(s.at)); err != nil {
			t.Fatalf("Save %q: unexpected error: %v", s.id, err)
		}
	}

	got, err := store.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions: unexpected error: %v", err)
	}
	want := []string{"beta", "gamma", "alpha"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Sessions: got %v, want %v", got, want)
	}
}

func TestStore_OverwriteReplaces(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	at := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	if err := store.Save(ctx, "table-1", sampleState(at)); err != nil {
		t.Fatalf("Save: unexpected error: %v", err)
	}
	second := sampleState(at.Add(time.Minute))
	second.Director.Turn = 9
	if err := store.Save(ctx, "table-1", second); err != nil {
		t.Fatalf("second Save: unexpected error: %v", err)
	}

	got, err := store.Load(ctx, "table-1")
	if err != nil {
		t.Fatalf("Load: unexpected error: %v", err)
	}
	if got.Director.Turn != 9 {
		t.Errorf("Turn after overwrite: got %d, want 9", got.Director.Turn)
	}
	ids, err := store.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions: unexpected error: %v", err)
	}
	if len(ids) != 1 {
		t.Errorf("Sessions after overwrite: got %v, want one entry", ids)
	}
}
