// Package mcp exposes the engine's control surface as Model Context
// Protocol tools, so external editors and operator panels can inspect and
// steer a running story over a standard protocol.
//
// Six tools are served:
//
//   - story_status        — turn counters, active checkpoint, flags.
//   - checkpoint_list     — every checkpoint with its live status.
//   - checkpoint_activate — force a checkpoint to current.
//   - interval_set        — change the evaluation interval.
//   - cue_list            — every declared cue with firing state.
//   - cue_toggle          — enable or disable one cue.
//
// Tool errors (unknown checkpoint ID, unknown cue key) surface as in-band
// tool results, not protocol failures. Mount [Server.Handler] on an HTTP
// mux for streamable-HTTP clients, or drive [Server.Run] with a transport.
package mcp

import (
	"context"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/questline/internal/cue"
	"github.com/MrWong99/questline/internal/director"
	"github.com/MrWong99/questline/internal/story"
)

// Director is the progression surface the tools drive.
// [director.Director] satisfies it.
type Director interface {
	View() director.View
	ActivateCheckpoint(id string) error
	SetIntervalTurns(n int) int
}

// Cues is the scripted-line surface. [cue.Service] satisfies it.
type Cues interface {
	Cues() []cue.Info
	SetEnabled(key string, enabled bool) error
}

// Server wraps an MCP server over one running story session.
type Server struct {
	graph *story.Graph
	dir   Director
	cues  Cues
	srv   *mcpsdk.Server
}

// New builds the tool server for the given session.
func New(graph *story.Graph, dir Director, cues Cues) *Server {
	s := &Server{graph: graph, dir: dir, cues: cues}

	srv := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "questline",
		Version: "1.0.0",
	}, nil)

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        "story_status",
		Description: "Current story progression: turn counters, active checkpoint, evaluation and completion flags.",
	}, s.storyStatus)

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        "checkpoint_list",
		Description: "Every checkpoint in story order with its live status (pending, current, complete, failed).",
	}, s.checkpointList)

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        "checkpoint_activate",
		Description: "Force the named checkpoint to current. Earlier checkpoints become complete; trigger evaluation is bypassed.",
	}, s.checkpointActivate)

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        "interval_set",
		Description: "Set how many turns pass between interval evaluations. Values are clamped to [1, 50]; the response carries the effective value.",
	}, s.intervalSet)

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        "cue_list",
		Description: "Every declared cue with its key, moment, speaker, enabled state, and firing counters.",
	}, s.cueList)

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        "cue_toggle",
		Description: "Enable or disable one cue by key (checkpoint/moment/index).",
	}, s.cueToggle)

	s.srv = srv
	return s
}

// Handler returns an http.Handler speaking the streamable-HTTP transport.
func (s *Server) Handler() http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server {
		return s.srv
	}, nil)
}

// Run serves a single connection over t until ctx is cancelled.
func (s *Server) Run(ctx context.Context, t mcpsdk.Transport) error {
	return s.srv.Run(ctx, t)
}

// ─────────────────────────────────────────────────────────────────────────────
// Tools
// ─────────────────────────────────────────────────────────────────────────────

type statusResult struct {
	Story             string `json:"story"`
	Turn              int    `json:"turn"`
	TurnsInCheckpoint int    `json:"turns_in_checkpoint"`
	ActiveCheckpoint  string `json:"active_checkpoint,omitempty"`
	IntervalTurns     int    `json:"interval_turns"`
	EvalPending       bool   `json:"evaluation_pending"`
	Completed         bool   `json:"completed"`
	Halted            bool   `json:"halted"`
}

func (s *Server) storyStatus(_ context.Context, _ *mcpsdk.CallToolRequest, _ struct{}) (*mcpsdk.CallToolResult, statusResult, error) {
	v := s.dir.View()
	return nil, statusResult{
		Story:             s.graph.Name(),
		Turn:              v.Turn,
		TurnsInCheckpoint: v.TurnsInCheckpoint,
		ActiveCheckpoint:  v.ActiveID,
		IntervalTurns:     v.IntervalTurns,
		EvalPending:       v.EvalPending,
		Completed:         v.Completed,
		Halted:            v.Halted,
	}, nil
}

type checkpointInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Objective string `json:"objective"`
	Status    string `json:"status"`
	Active    bool   `json:"active"`
}

type checkpointListResult struct {
	Checkpoints []checkpointInfo `json:"checkpoints"`
}

func (s *Server) checkpointList(_ context.Context, _ *mcpsdk.CallToolRequest, _ struct{}) (*mcpsdk.CallToolResult, checkpointListResult, error) {
	v := s.dir.View()
	out := checkpointListResult{
		Checkpoints: make([]checkpointInfo, 0, s.graph.Len()),
	}
	for _, cp := range s.graph.Checkpoints() {
		out.Checkpoints = append(out.Checkpoints, checkpointInfo{
			ID:        cp.ID,
			Name:      cp.Name,
			Objective: cp.Objective,
			Status:    string(v.Statuses[cp.ID]),
			Active:    cp.ID == v.ActiveID,
		})
	}
	return nil, out, nil
}

type activateArgs struct {
	ID string `json:"id" jsonschema:"the checkpoint ID to force to current"`
}

type activateResult struct {
	ActiveCheckpoint string `json:"active_checkpoint"`
	Turn             int    `json:"turn"`
}

func (s *Server) checkpointActivate(_ context.Context, _ *mcpsdk.CallToolRequest, in activateArgs) (*mcpsdk.CallToolResult, activateResult, error) {
	if err := s.dir.ActivateCheckpoint(in.ID); err != nil {
		return nil, activateResult{}, err
	}
	v := s.dir.View()
	return nil, activateResult{ActiveCheckpoint: v.ActiveID, Turn: v.Turn}, nil
}

type intervalArgs struct {
	Turns int `json:"turns" jsonschema:"turns between interval evaluations, clamped to [1, 50]"`
}

type intervalResult struct {
	IntervalTurns int `json:"interval_turns"`
}

func (s *Server) intervalSet(_ context.Context, _ *mcpsdk.CallToolRequest, in intervalArgs) (*mcpsdk.CallToolResult, intervalResult, error) {
	return nil, intervalResult{IntervalTurns: s.dir.SetIntervalTurns(in.Turns)}, nil
}

type cueInfo struct {
	Key      string `json:"key"`
	Moment   string `json:"moment"`
	Role     string `json:"role"`
	Speaker  string `json:"speaker,omitempty"`
	Mode     string `json:"mode"`
	Enabled  bool   `json:"enabled"`
	Fired    int    `json:"fired"`
	LastTurn int    `json:"last_turn"`
}

type cueListResult struct {
	Cues []cueInfo `json:"cues"`
}

func (s *Server) cueList(_ context.Context, _ *mcpsdk.CallToolRequest, _ struct{}) (*mcpsdk.CallToolResult, cueListResult, error) {
	infos := s.cues.Cues()
	out := cueListResult{Cues: make([]cueInfo, 0, len(infos))}
	for _, c := range infos {
		out.Cues = append(out.Cues, cueInfo{
			Key:      c.Key,
			Moment:   string(c.Moment),
			Role:     c.Role,
			Speaker:  c.Speaker,
			Mode:     c.Mode,
			Enabled:  c.Enabled,
			Fired:    c.Fired,
			LastTurn: c.LastTurn,
		})
	}
	return nil, out, nil
}

type cueToggleArgs struct {
	Key     string `json:"key" jsonschema:"the cue key, checkpoint/moment/index"`
	Enabled bool   `json:"enabled" jsonschema:"true to enable, false to disable"`
}

type cueToggleResult struct {
	Key     string `json:"key"`
	Enabled bool   `json:"enabled"`
}

func (s *Server) cueToggle(_ context.Context, _ *mcpsdk.CallToolRequest, in cueToggleArgs) (*mcpsdk.CallToolResult, cueToggleResult, error) {
	if err := s.cues.SetEnabled(in.Key, in.Enabled); err != nil {
		return nil, cueToggleResult{}, err
	}
	return nil, cueToggleResult{Key: in.Key, Enabled: in.Enabled}, nil
}
