package story

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/expr-lang/expr"
)

const (
	defaultProbability = 100
	maxProbability     = 100
)

// Compile validates def and builds an immutable [Graph].
//
// Validation proceeds in stages; findings from a stage are collected rather
// than aborting at the first problem, so authors see every error at once.
// Structural stages (start inference, reachability) only run when the
// document passed the earlier stages, since their results would be
// meaningless otherwise.
func Compile(def *Definition) (*Graph, error) {
	c := &compiler{def: def}

	c.checkSchema()
	c.checkDuplicates()
	if len(c.errs) == 0 {
		c.checkReferences()
		c.compileTriggers()
		c.compileCues()
	}
	if len(c.errs) > 0 {
		return nil, &CompileError{Story: def.Name, Errors: c.errs}
	}

	start := c.resolveStart()
	if len(c.errs) > 0 {
		return nil, &CompileError{Story: def.Name, Errors: c.errs}
	}

	order := c.checkReachability(start)
	if len(c.errs) > 0 {
		return nil, &CompileError{Story: def.Name, Errors: c.errs}
	}

	return c.build(start, order), nil
}

// compiler carries intermediate state across validation stages.
type compiler struct {
	def  *Definition
	errs []*ValidationError

	// byID maps checkpoint IDs to their declaration index.
	byID map[string]int

	// triggers holds compiled transition triggers, parallel to
	// def.Transitions (nil entries are interval-only transitions).
	triggers []Trigger

	// cues holds compiled cues, parallel to def.Cues.
	cues []*Cue
}

func (c *compiler) addErr(code Code, path, format string, args ...any) {
	c.errs = append(c.errs, &ValidationError{
		Code:    code,
		Path:    path,
		Message: fmt.Sprintf(format, args...),
	})
}

// ─── Stage 1: schema shape ───────────────────────────────────────────────────

func (c *compiler) checkSchema() {
	def := c.def

	if strings.TrimSpace(def.Name) == "" {
		c.addErr(CodeSchema, "name", "is required")
	}
	if len(def.Checkpoints) == 0 {
		c.addErr(CodeSchema, "checkpoints", "at least one checkpoint is required")
	}

	for i, cp := range def.Checkpoints {
		if strings.TrimSpace(cp.ID) == "" {
			c.addErr(CodeSchema, fmt.Sprintf("checkpoints[%d].id", i), "is required")
		}
		if strings.TrimSpace(cp.Name) == "" {
			c.addErr(CodeSchema, fmt.Sprintf("checkpoints[%d].name", i), "is required")
		}
		if strings.TrimSpace(cp.Objective) == "" {
			c.addErr(CodeSchema, fmt.Sprintf("checkpoints[%d].objective", i), "is required")
		}
	}

	for i, t := range def.Transitions {
		path := fmt.Sprintf("transitions[%d]", i)
		if strings.TrimSpace(t.ID) == "" {
			c.addErr(CodeSchema, path+".id", "is required")
		}
		if strings.TrimSpace(t.From) == "" {
			c.addErr(CodeSchema, path+".from", "is required")
		}
		if strings.TrimSpace(t.To) == "" {
			c.addErr(CodeSchema, path+".to", "is required")
		}
		if t.Outcome != "" && !Outcome(t.Outcome).IsValid() {
			c.addErr(CodeSchema, path+".outcome", "%q is not a recognised outcome (win, fail)", t.Outcome)
		}
		if len(t.Patterns) > 0 && t.WithinTurns > 0 {
			c.addErr(CodeSchema, path, "patterns and within_turns are mutually exclusive")
		}
		if t.WithinTurns < 0 {
			c.addErr(CodeSchema, path+".within_turns", "must be at least 1")
		}
	}

	for i, r := range def.Roles {
		path := fmt.Sprintf("roles[%d]", i)
		if strings.TrimSpace(r.Name) == "" {
			c.addErr(CodeSchema, path+".name", "is required")
		}
		if strings.TrimSpace(r.Character) == "" {
			c.addErr(CodeSchema, path+".character", "is required")
		}
	}

	for i, l := range def.Lore {
		if strings.TrimSpace(l.Key) == "" {
			c.addErr(CodeSchema, fmt.Sprintf("lore[%d].key", i), "is required")
		}
		if strings.TrimSpace(l.Content) == "" {
			c.addErr(CodeSchema, fmt.Sprintf("lore[%d].content", i), "is required")
		}
	}

	for i, q := range def.Cues {
		path := fmt.Sprintf("cues[%d]", i)
		if strings.TrimSpace(q.Checkpoint) == "" {
			c.addErr(CodeSchema, path+".checkpoint", "is required")
		}
		if !Moment(q.Moment).IsValid() {
			c.addErr(CodeSchema, path+".moment",
				"%q is not a recognised moment (enter, before_verdict, after_verdict, after_speak)", q.Moment)
		}
		if strings.TrimSpace(q.Role) == "" {
			c.addErr(CodeSchema, path+".role", "is required")
		}
		if q.Probability != nil && (*q.Probability < 0 || *q.Probability > maxProbability) {
			c.addErr(CodeSchema, path+".probability", "must be between 0 and 100")
		}
		if q.MaxTriggers < 0 {
			c.addErr(CodeSchema, path+".max_triggers", "must not be negative")
		}
		if q.CooldownTurns < 0 {
			c.addErr(CodeSchema, path+".cooldown_turns", "must not be negative")
		}
		hasText := strings.TrimSpace(q.Text) != ""
		hasInstruct := strings.TrimSpace(q.Instruct) != ""
		if hasText == hasInstruct {
			c.addErr(CodeSchema, path, "exactly one of text or instruct is required")
		}
		if q.Speaker != "" && Moment(q.Moment) != MomentAfterSpeak {
			c.addErr(CodeSchema, path+".speaker", "is only valid on after_speak cues")
		}
	}
}

// ─── Stage 2: duplicate IDs ──────────────────────────────────────────────────

func (c *compiler) checkDuplicates() {
	c.byID = make(map[string]int, len(c.def.Checkpoints))
	for i, cp := range c.def.Checkpoints {
		if cp.ID == "" {
			continue
		}
		if first, ok := c.byID[cp.ID]; ok {
			c.addErr(CodeDuplicateID, fmt.Sprintf("checkpoints[%d].id", i),
				"%q already declared at checkpoints[%d]", cp.ID, first)
			continue
		}
		c.byID[cp.ID] = i
	}

	seen := make(map[string]int, len(c.def.Transitions))
	for i, t := range c.def.Transitions {
		if t.ID == "" {
			continue
		}
		if first, ok := seen[t.ID]; ok {
			c.addErr(CodeDuplicateID, fmt.Sprintf("transitions[%d].id", i),
				"%q already declared at transitions[%d]", t.ID, first)
			continue
		}
		seen[t.ID] = i
	}

	loreSeen := make(map[string]int, len(c.def.Lore))
	for i, l := range c.def.Lore {
		if l.Key == "" {
			continue
		}
		if first, ok := loreSeen[l.Key]; ok {
			c.addErr(CodeDuplicateID, fmt.Sprintf("lore[%d].key", i),
				"%q already declared at lore[%d]", l.Key, first)
			continue
		}
		loreSeen[l.Key] = i
	}
}

// ─── Stage 3: referential integrity ──────────────────────────────────────────

func (c *compiler) checkReferences() {
	roles := make(map[string]struct{}, len(c.def.Roles))
	for _, r := range c.def.Roles {
		roles[r.Name] = struct{}{}
	}
	loreKeys := make(map[string]struct{}, len(c.def.Lore))
	for _, l := range c.def.Lore {
		loreKeys[l.Key] = struct{}{}
	}

	for i, t := range c.def.Transitions {
		if _, ok := c.byID[t.From]; !ok {
			c.addErr(CodeUnknownCheckpoint, fmt.Sprintf("transitions[%d].from", i),
				"checkpoint %q does not exist", t.From)
		}
		if _, ok := c.byID[t.To]; !ok {
			c.addErr(CodeUnknownCheckpoint, fmt.Sprintf("transitions[%d].to", i),
				"checkpoint %q does not exist", t.To)
		}
	}

	if c.def.Start != "" {
		if _, ok := c.byID[c.def.Start]; !ok {
			c.addErr(CodeUnknownCheckpoint, "start", "checkpoint %q does not exist", c.def.Start)
		}
	}

	for i, q := range c.def.Cues {
		if _, ok := c.byID[q.Checkpoint]; !ok {
			c.addErr(CodeUnknownCheckpoint, fmt.Sprintf("cues[%d].checkpoint", i),
				"checkpoint %q does not exist", q.Checkpoint)
		}
		if _, ok := roles[q.Role]; !ok {
			c.addErr(CodeUnknownRole, fmt.Sprintf("cues[%d].role", i),
				"role %q is not declared", q.Role)
		}
	}

	for i, cp := range c.def.Checkpoints {
		if cp.OnActivate == nil {
			continue
		}
		for j, key := range cp.OnActivate.EnableLore {
			if _, ok := loreKeys[key]; !ok {
				c.addErr(CodeSchema, fmt.Sprintf("checkpoints[%d].on_activate.enable_lore[%d]", i, j),
					"lore key %q is not declared", key)
			}
		}
		for j, key := range cp.OnActivate.DisableLore {
			if _, ok := loreKeys[key]; !ok {
				c.addErr(CodeSchema, fmt.Sprintf("checkpoints[%d].on_activate.disable_lore[%d]", i, j),
					"lore key %q is not declared", key)
			}
		}
	}
}

// ─── Stage 4: eager trigger and expression compilation ───────────────────────

func (c *compiler) compileTriggers() {
	c.triggers = make([]Trigger, len(c.def.Transitions))
	for i, t := range c.def.Transitions {
		switch {
		case len(t.Patterns) > 0:
			rt := &RegexTrigger{
				Patterns: make([]*regexp.Regexp, 0, len(t.Patterns)),
				Sources:  make([]string, 0, len(t.Patterns)),
			}
			for j, src := range t.Patterns {
				re, err := regexp.Compile(src)
				if err != nil {
					c.addErr(CodeInvalidPattern, fmt.Sprintf("transitions[%d].patterns[%d]", i, j),
						"transition %q: %v", t.ID, err)
					continue
				}
				rt.Patterns = append(rt.Patterns, re)
				rt.Sources = append(rt.Sources, src)
			}
			c.triggers[i] = rt
		case t.WithinTurns > 0:
			c.triggers[i] = &TimedTrigger{WithinTurns: t.WithinTurns}
		}
	}
}

func (c *compiler) compileCues() {
	c.cues = make([]*Cue, len(c.def.Cues))
	perKey := make(map[string]int)

	for i, q := range c.def.Cues {
		cue := &Cue{
			Checkpoint:    q.Checkpoint,
			Moment:        Moment(q.Moment),
			Speaker:       q.Speaker,
			Role:          q.Role,
			Enabled:       q.Enabled == nil || *q.Enabled,
			Probability:   defaultProbability,
			MaxTriggers:   q.MaxTriggers,
			CooldownTurns: q.CooldownTurns,
			Text:          q.Text,
			Instruct:      q.Instruct,
			WhenSource:    q.When,
		}
		if q.Probability != nil {
			cue.Probability = *q.Probability
		}

		keyBase := fmt.Sprintf("%s/%s", q.Checkpoint, q.Moment)
		cue.Key = fmt.Sprintf("%s/%d", keyBase, perKey[keyBase])
		perKey[keyBase]++

		if strings.TrimSpace(q.When) != "" {
			prog, err := expr.Compile(q.When)
			if err != nil {
				c.addErr(CodeInvalidCondition, fmt.Sprintf("cues[%d].when", i), "%v", err)
			} else {
				cue.When = prog
			}
		}

		c.cues[i] = cue
	}
}

// ─── Stage 5: start resolution ───────────────────────────────────────────────

// resolveStart returns the declaration index of the start checkpoint.
// When no start is declared, it is inferred as the unique checkpoint with no
// incoming transition.
func (c *compiler) resolveStart() int {
	if c.def.Start != "" {
		return c.byID[c.def.Start]
	}

	indegree := make(map[string]int, len(c.def.Checkpoints))
	for _, cp := range c.def.Checkpoints {
		indegree[cp.ID] = 0
	}
	for _, t := range c.def.Transitions {
		indegree[t.To]++
	}

	var candidates []string
	for _, cp := range c.def.Checkpoints {
		if indegree[cp.ID] == 0 {
			candidates = append(candidates, cp.ID)
		}
	}

	switch len(candidates) {
	case 1:
		return c.byID[candidates[0]]
	case 0:
		c.addErr(CodeNoStart, "start",
			"no checkpoint without incoming transitions; declare start explicitly")
		return -1
	default:
		c.addErr(CodeAmbiguousStart, "start",
			"multiple start candidates: %s; declare start explicitly",
			strings.Join(candidates, ", "))
		return -1
	}
}

// ─── Stage 6: reachability and acyclicity ────────────────────────────────────

// checkReachability verifies that every checkpoint is reachable from the
// start and that the graph is acyclic. It returns the checkpoint IDs in
// topological order (Kahn's algorithm, declaration order as tie-break).
func (c *compiler) checkReachability(startIdx int) []string {
	adj := make(map[string][]string, len(c.def.Checkpoints))
	indegree := make(map[string]int, len(c.def.Checkpoints))
	for _, cp := range c.def.Checkpoints {
		indegree[cp.ID] = 0
	}
	for _, t := range c.def.Transitions {
		adj[t.From] = append(adj[t.From], t.To)
		indegree[t.To]++
	}

	startID := c.def.Checkpoints[startIdx].ID

	// Breadth-first reachability from the start.
	reached := make(map[string]bool, len(c.def.Checkpoints))
	queue := []string{startID}
	reached[startID] = true
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adj[cur] {
			if !reached[next] {
				reached[next] = true
				queue = append(queue, next)
			}
		}
	}

	// Kahn's algorithm over the whole graph. Nodes never consumed sit on a
	// cycle. Among simultaneously ready nodes the one declared first is
	// consumed first, so the topological order is deterministic.
	remaining := make(map[string]int, len(indegree))
	for id, d := range indegree {
		remaining[id] = d
	}
	declIdx := make(map[string]int, len(c.def.Checkpoints))
	for i, cp := range c.def.Checkpoints {
		declIdx[cp.ID] = i
	}
	var order []string
	ready := make([]string, 0, len(c.def.Checkpoints))
	for _, cp := range c.def.Checkpoints {
		if remaining[cp.ID] == 0 {
			ready = append(ready, cp.ID)
		}
	}
	consumed := make(map[string]bool, len(c.def.Checkpoints))
	for len(ready) > 0 {
		best := 0
		for i := 1; i < len(ready); i++ {
			if declIdx[ready[i]] < declIdx[ready[best]] {
				best = i
			}
		}
		cur := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		order = append(order, cur)
		consumed[cur] = true
		for _, next := range adj[cur] {
			remaining[next]--
			if remaining[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	var stranded []string
	for _, cp := range c.def.Checkpoints {
		if !reached[cp.ID] || !consumed[cp.ID] {
			stranded = append(stranded, cp.ID)
		}
	}
	if len(stranded) > 0 {
		sort.Strings(stranded)
		c.addErr(CodeUnreachableOrCyclic, "checkpoints",
			"unreachable from start or on a cycle: %s", strings.Join(stranded, ", "))
		return nil
	}

	return order
}

// ─── Stage 7: graph assembly ─────────────────────────────────────────────────

func (c *compiler) build(startIdx int, order []string) *Graph {
	def := c.def

	g := &Graph{
		name:         def.Name,
		byID:         make(map[string]*Checkpoint, len(def.Checkpoints)),
		outgoing:     make(map[string][]*Transition, len(def.Checkpoints)),
		rolesByName:  make(map[string]Role, len(def.Roles)),
		loreByKey:    make(map[string]LoreEntry, len(def.Lore)),
		cuesByMoment: make(map[string]map[Moment][]*Cue),
	}

	defByID := make(map[string]CheckpointDefinition, len(def.Checkpoints))
	for _, cp := range def.Checkpoints {
		defByID[cp.ID] = cp
	}

	g.checkpoints = make([]*Checkpoint, len(order))
	for i, id := range order {
		src := defByID[id]
		cp := &Checkpoint{
			ID:        src.ID,
			Name:      src.Name,
			Objective: src.Objective,
			Index:     i,
		}
		if src.OnActivate != nil {
			cp.Effects = Effects{
				EnableLore:  src.OnActivate.EnableLore,
				DisableLore: src.OnActivate.DisableLore,
				AuthorNote:  src.OnActivate.AuthorNote,
				Preset:      src.OnActivate.Preset,
			}
		}
		g.checkpoints[i] = cp
		g.byID[id] = cp
	}
	g.start = g.byID[def.Checkpoints[startIdx].ID]

	g.transitions = make([]*Transition, len(def.Transitions))
	for i, t := range def.Transitions {
		outcome := Outcome(t.Outcome)
		if outcome == "" {
			outcome = OutcomeWin
		}
		tr := &Transition{
			ID:        t.ID,
			From:      t.From,
			To:        t.To,
			Outcome:   outcome,
			Condition: t.Condition,
			Trigger:   c.triggers[i],
		}
		g.transitions[i] = tr
		g.outgoing[t.From] = append(g.outgoing[t.From], tr)
	}

	g.roles = make([]Role, len(def.Roles))
	for i, r := range def.Roles {
		role := Role{Name: r.Name, Character: r.Character, Prompt: r.Prompt}
		g.roles[i] = role
		g.rolesByName[r.Name] = role
	}

	g.lore = make([]LoreEntry, len(def.Lore))
	for i, l := range def.Lore {
		entry := LoreEntry{Key: l.Key, Title: l.Title, Content: l.Content}
		g.lore[i] = entry
		g.loreByKey[l.Key] = entry
	}

	g.cues = c.cues
	for _, cue := range c.cues {
		byMoment, ok := g.cuesByMoment[cue.Checkpoint]
		if !ok {
			byMoment = make(map[Moment][]*Cue)
			g.cuesByMoment[cue.Checkpoint] = byMoment
		}
		byMoment[cue.Moment] = append(byMoment[cue.Moment], cue)
	}

	return g
}
