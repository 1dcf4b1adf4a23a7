// Package snapshot defines the portable session state and the store
// contract for persisting it.
//
// A [State] bundles everything needed to resume a story mid-run: the
// director's progression, the stage's prompt context, and the cue firing
// history, stamped with the story name and a schema version. Stores are
// dumb key-value persistence keyed by session ID; validation of a loaded
// snapshot against the running story happens in the session manager, not
// here.
package snapshot

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/questline/internal/cue"
	"github.com/MrWong99/questline/internal/director"
	"github.com/MrWong99/questline/internal/stage"
)

// Version is the current snapshot schema version, embedded in every saved
// [State].
const Version = 1

// ErrNotFound reports a load for a session that was never saved or was
// deleted.
var ErrNotFound = errors.New("snapshot: not found")

// State is one complete session snapshot.
type State struct {
	// Version is the schema version the snapshot was written with.
	Version int `json:"version"`

	// Story is the name of the compiled story the snapshot belongs to.
	// Restoring into a different story is rejected by the session manager.
	Story string `json:"story"`

	// SavedAt is when the snapshot was taken. Stores order their listings
	// by it, newest first.
	SavedAt time.Time `json:"saved_at"`

	Director director.State `json:"director"`
	Stage    stage.State    `json:"stage"`
	Cues     cue.State      `json:"cues"`
}

// Store persists session snapshots. Implementations must be safe for
// concurrent use.
type Store interface {
	// Save writes or replaces the snapshot for sessionID.
	Save(ctx context.Context, sessionID string, st State) error

	// Load returns the snapshot for sessionID, or [ErrNotFound].
	Load(ctx context.Context, sessionID string) (State, error)

	// Delete removes the snapshot for sessionID. Deleting a session that
	// does not exist is not an error.
	Delete(ctx context.Context, sessionID string) error

	// Sessions lists all saved session IDs, newest first.
	Sessions(ctx context.Context) ([]string, error)

	// Close releases store resources.
	Close() error
}
