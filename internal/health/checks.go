package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/questline/internal/host"
	"github.com/MrWong99/questline/internal/resilience"
	"github.com/MrWong99/questline/internal/snapshot"
	"github.com/MrWong99/questline/internal/story"
)

// StoryLoaded reports ready once a compiled story graph with at least one
// checkpoint is present.
func StoryLoaded(g *story.Graph) Checker {
	return Checker{
		Name: "story",
		Check: func(context.Context) error {
			if g == nil {
				return errors.New("no story loaded")
			}
			if g.Len() == 0 {
				return errors.New("story has no checkpoints")
			}
			return nil
		},
	}
}

// HostConnected probes the chat host by listing its character registry.
func HostConnected(h host.Host) Checker {
	return Checker{
		Name: "host",
		Check: func(ctx context.Context) error {
			if h == nil {
				return errors.New("no host attached")
			}
			if _, err := h.Characters(ctx); err != nil {
				return err
			}
			return nil
		},
	}
}

// ProviderAvailable reports ready while at least one generation backend's
// circuit is not open. Half-open circuits count as available since they are
// about to probe.
func ProviderAvailable(f *resilience.Failover) Checker {
	return Checker{
		Name: "provider",
		Check: func(context.Context) error {
			if f == nil {
				return errors.New("no generation provider configured")
			}
			statuses := f.Statuses()
			open := 0
			for _, s := range statuses {
				if s.State == resilience.StateOpen {
					open++
				}
			}
			if open == len(statuses) {
				return fmt.Errorf("all %d llm backends have open circuits", len(statuses))
			}
			return nil
		},
	}
}

// StoreReachable probes the snapshot store with a session listing.
func StoreReachable(store snapshot.Store) Checker {
	return Checker{
		Name: "snapshot_store",
		Check: func(ctx context.Context) error {
			if store == nil {
				return errors.New("no snapshot store configured")
			}
			if _, err := store.Sessions(ctx); err != nil {
				return err
			}
			return nil
		},
	}
}
