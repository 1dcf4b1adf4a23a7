package director

import (
	"log/slog"

	"github.com/MrWong99/questline/internal/arbiter"
	"github.com/MrWong99/questline/internal/story"
)

// applyVerdict folds one arbiter ruling into the runtime state. Verdicts
// carrying a stale sequence number (a manual activation or restore happened
// while the judgment was in flight) are discarded without touching state.
func (d *Director) applyVerdict(v arbiter.Verdict, seq uint64) {
	d.mu.Lock()
	if d.life != lifecycleReady || seq != d.evalSeq {
		d.mu.Unlock()
		return
	}
	d.evalPending = false

	var (
		entered   *story.Checkpoint
		effects   story.Effects
		completed bool
	)

	switch v.Decision {
	case arbiter.DecisionWin:
		active := d.graph.At(d.activeIdx)
		d.statuses[active.Index] = StatusComplete
		d.turnsSinceEval = 0

		dest, ok := d.winDestinationLocked(active, v.Request.TransitionID)
		if !ok {
			// No outgoing win edge: the story is over.
			d.completed = true
			completed = true
			break
		}
		d.statuses[dest.Index] = StatusCurrent
		d.activeIdx = dest.Index
		d.turnsInCheckpoint = 0
		entered = dest
		effects = dest.Effects

	case arbiter.DecisionFail:
		active := d.graph.At(d.activeIdx)
		d.statuses[active.Index] = StatusFailed
		d.turnsSinceEval = 0

		edge, ok := d.graph.FailEdge(active.ID)
		if !ok {
			// No modeled recovery: hold position until a manual activation.
			d.halted = true
			break
		}
		dest, _ := d.graph.Checkpoint(edge.To)
		d.statuses[dest.Index] = StatusCurrent
		d.activeIdx = dest.Index
		d.turnsInCheckpoint = 0
		entered = dest
		effects = dest.Effects

	default:
		if v.Request.Reason == arbiter.ReasonInterval {
			d.turnsSinceEval = 0
		}
	}

	listeners := d.listenersLocked()
	d.mu.Unlock()

	if v.Decision != arbiter.DecisionContinue {
		slog.Info("verdict applied",
			"decision", v.Decision,
			"checkpoint", v.Request.CheckpointID,
			"reason", v.Request.Reason,
			"confidence", v.Confidence,
		)
	}

	if entered != nil {
		if err := d.stage.Apply(effects); err != nil {
			slog.Warn("checkpoint effects rejected",
				"checkpoint", entered.ID,
				"error", err,
			)
		}
	}

	for _, l := range listeners {
		l.VerdictApplied(v)
	}
	if entered != nil {
		for _, l := range listeners {
			l.CheckpointEntered(entered)
		}
	}
	if completed {
		slog.Info("story completed", "story", d.graph.Name())
		for _, l := range listeners {
			l.StoryCompleted()
		}
	}
}

// winDestinationLocked resolves where a win verdict advances to: the matched
// transition when it is a win edge out of active, otherwise the first
// declared outgoing win edge. ok is false when active has no win edge at
// all, which ends the story.
func (d *Director) winDestinationLocked(active *story.Checkpoint, transitionID string) (*story.Checkpoint, bool) {
	outgoing := d.graph.Outgoing(active.ID)

	if transitionID != "" {
		for _, tr := range outgoing {
			if tr.ID == transitionID && tr.Outcome == story.OutcomeWin {
				dest, _ := d.graph.Checkpoint(tr.To)
				return dest, true
			}
		}
	}

	var wins []*story.Transition
	for _, tr := range outgoing {
		if tr.Outcome == story.OutcomeWin {
			wins = append(wins, tr)
		}
	}
	if len(wins) == 0 {
		return nil, false
	}
	if len(wins) > 1 {
		slog.Warn("win verdict with ambiguous branch, taking first declared",
			"checkpoint", active.ID,
			"transition", wins[0].ID,
		)
	}
	dest, _ := d.graph.Checkpoint(wins[0].To)
	return dest, true
}
