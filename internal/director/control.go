package director

import (
	"fmt"
	"log/slog"
)

// ─────────────────────────────────────────────────────────────────────────────
// Manual control surface
// ─────────────────────────────────────────────────────────────────────────────

// ActivateCheckpoint forces the checkpoint with the given ID to current.
// See [Director.ActivateIndex] for the status recomputation rules.
func (d *Director) ActivateCheckpoint(id string) error {
	cp, ok := d.graph.Checkpoint(id)
	if !ok {
		return fmt.Errorf("director: unknown checkpoint %q", id)
	}
	return d.ActivateIndex(cp.Index)
}

// ActivateIndex forces the checkpoint at position i (story progression
// order) to current, bypassing trigger evaluation: earlier positions become
// complete, later positions keep their status unless they were current, in
// which case they fall back to pending. Interval pressure, the halt flag,
// and story completion are cleared.
//
// Any in-flight evaluation is orphaned: its verdict will arrive with a stale
// sequence number and be discarded.
func (d *Director) ActivateIndex(i int) error {
	d.mu.Lock()
	switch d.life {
	case lifecycleDisposed:
		d.mu.Unlock()
		return ErrDisposed
	case lifecycleUnstarted:
		d.mu.Unlock()
		return fmt.Errorf("director: not initialized")
	}
	cp := d.graph.At(i)
	if cp == nil {
		d.mu.Unlock()
		return fmt.Errorf("director: checkpoint index %d out of range", i)
	}

	for idx := range d.statuses {
		switch {
		case idx < i:
			d.statuses[idx] = StatusComplete
		case idx == i:
			d.statuses[idx] = StatusCurrent
		case d.statuses[idx] == StatusCurrent:
			d.statuses[idx] = StatusPending
		}
	}
	d.activeIdx = i
	d.turnsSinceEval = 0
	d.turnsInCheckpoint = 0
	d.halted = false
	d.completed = false
	d.evalPending = false
	d.evalSeq++
	listeners := d.listenersLocked()
	d.mu.Unlock()

	if err := d.stage.Apply(cp.Effects); err != nil {
		slog.Warn("checkpoint effects rejected",
			"checkpoint", cp.ID,
			"error", err,
		)
	}
	slog.Info("checkpoint activated manually", "checkpoint", cp.ID, "index", i)
	for _, l := range listeners {
		l.CheckpointEntered(cp)
	}
	return nil
}

// SetIntervalTurns sets the interval evaluation pressure, clamped into
// [1, 50], and returns the effective value. Takes effect on the next turn.
func (d *Director) SetIntervalTurns(n int) int {
	clamped := clampInterval(n)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.life == lifecycleDisposed {
		return d.intervalTurns
	}
	d.intervalTurns = clamped
	return clamped
}

// SetRolePrompt overrides a role's prompt through the stage. An empty prompt
// reverts to the prompt declared in the story.
func (d *Director) SetRolePrompt(role, prompt string) {
	d.mu.Lock()
	disposed := d.life == lifecycleDisposed
	d.mu.Unlock()
	if disposed {
		return
	}
	d.stage.SetRolePrompt(role, prompt)
}

// ─────────────────────────────────────────────────────────────────────────────
// Snapshot / restore / view
// ─────────────────────────────────────────────────────────────────────────────

// Snapshot captures the runtime state for persistence.
func (d *Director) Snapshot() State {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := State{
		Statuses:          make(map[string]string, d.graph.Len()),
		Turn:              d.turn,
		TurnsSinceEval:    d.turnsSinceEval,
		TurnsInCheckpoint: d.turnsInCheckpoint,
		IntervalTurns:     d.intervalTurns,
		Completed:         d.completed,
		Halted:            d.halted,
	}
	for i, s := range d.statuses {
		st.Statuses[d.graph.At(i).ID] = string(s)
	}
	if d.activeIdx >= 0 {
		st.ActiveID = d.graph.At(d.activeIdx).ID
	}
	return st
}

// Restore replaces the runtime state with a previously captured snapshot.
// Checkpoint IDs and status values are validated against the graph before
// any mutation; a snapshot taken against a different story revision is
// rejected whole. Any in-flight evaluation is orphaned.
func (d *Director) Restore(st State) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.life {
	case lifecycleDisposed:
		return ErrDisposed
	case lifecycleUnstarted:
		return fmt.Errorf("director: not initialized")
	}

	active, ok := d.graph.Checkpoint(st.ActiveID)
	if !ok {
		return fmt.Errorf("director: restore unknown active checkpoint %q", st.ActiveID)
	}
	for id, raw := range st.Statuses {
		if _, ok := d.graph.Checkpoint(id); !ok {
			return fmt.Errorf("director: restore unknown checkpoint %q", id)
		}
		if !Status(raw).IsValid() {
			return fmt.Errorf("director: restore invalid status %q for checkpoint %q", raw, id)
		}
	}

	for i := range d.statuses {
		d.statuses[i] = StatusPending
	}
	for id, raw := range st.Statuses {
		cp, _ := d.graph.Checkpoint(id)
		d.statuses[cp.Index] = Status(raw)
	}
	d.activeIdx = active.Index
	d.turn = st.Turn
	d.turnsSinceEval = st.TurnsSinceEval
	d.turnsInCheckpoint = st.TurnsInCheckpoint
	if st.IntervalTurns > 0 {
		d.intervalTurns = clampInterval(st.IntervalTurns)
	}
	d.completed = st.Completed
	d.halted = st.Halted
	d.evalPending = false
	d.evalSeq++
	return nil
}

// Epoch returns the current generation epoch from the turn gate.
func (d *Director) Epoch() uint64 {
	return d.gate.Epoch()
}

// View returns a point-in-time read of the runtime state. Before Init the
// view is zero-valued with ActiveIndex -1.
func (d *Director) View() View {
	d.mu.Lock()
	defer d.mu.Unlock()

	v := View{
		Turn:              d.turn,
		TurnsInCheckpoint: d.turnsInCheckpoint,
		ActiveIndex:       d.activeIdx,
		Statuses:          make(map[string]Status, d.graph.Len()),
		IntervalTurns:     d.intervalTurns,
		EvalPending:       d.evalPending,
		Completed:         d.completed,
		Halted:            d.halted,
	}
	for i, s := range d.statuses {
		v.Statuses[d.graph.At(i).ID] = s
	}
	if d.activeIdx >= 0 {
		v.ActiveID = d.graph.At(d.activeIdx).ID
	}
	return v
}
