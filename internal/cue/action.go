package cue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/questline/internal/host"
	"github.com/MrWong99/questline/internal/story"
	"github.com/MrWong99/questline/pkg/provider/llm"
)

// action is a selected cue waiting for the host's next normal generation.
type action struct {
	cue  *story.Cue
	turn int
}

// intercept is the pre-generation hook installed on the host. It consumes
// the pending action and delivers it in place of the model's turn. Any
// delivery failure returns false so the host generates normally; the cue is
// spent either way.
func (s *Service) intercept(ctx context.Context, kind host.GenerationKind) bool {
	if kind != host.GenerationNormal {
		return false
	}

	s.mu.Lock()
	if s.closed || s.pending == nil || s.suppress > 0 {
		s.mu.Unlock()
		return false
	}
	act := s.pending
	s.pending = nil
	s.suppress++
	s.mu.Unlock()

	start := time.Now()
	err := s.perform(ctx, act)

	s.mu.Lock()
	s.suppress--
	s.mu.Unlock()

	if s.metrics != nil {
		mode, status := "text", "ok"
		if act.cue.Instruct != "" {
			mode = "instruct"
		}
		if err != nil {
			status = "error"
		}
		s.metrics.RecordCueDelivery(ctx, mode, status, time.Since(start).Seconds())
	}

	if err != nil {
		slog.Warn("cue delivery failed, host generation proceeds",
			"cue", act.cue.Key, "error", err)
		return false
	}
	return true
}

// perform resolves the speaking character, produces the line, and appends it
// to the chat as that character.
func (s *Service) perform(ctx context.Context, act *action) error {
	role, ok := s.graph.Role(act.cue.Role)
	if !ok {
		return fmt.Errorf("cue: role %q not declared", act.cue.Role)
	}
	registry, err := s.host.Characters(ctx)
	if err != nil {
		return fmt.Errorf("cue: character registry: %w", err)
	}
	speaker, confidence, ok := s.matcher.Resolve(role.Character, registry)
	if !ok {
		return fmt.Errorf("cue: character %q not found in host registry", role.Character)
	}

	text := act.cue.Text
	mode := "text"
	if act.cue.Instruct != "" {
		mode = "instruct"
		text, err = s.generateReply(ctx, act, role)
		if err != nil {
			return err
		}
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("cue: empty line for %q", act.cue.Key)
	}

	// The synthesized message echoes back as a character-message event;
	// the depth counter keeps it from queueing an after-speak moment.
	s.mu.Lock()
	s.selfDepth++
	s.mu.Unlock()
	err = s.host.Synthesize(ctx, speaker, text)
	s.mu.Lock()
	s.selfDepth--
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("cue: synthesize as %q: %w", speaker, err)
	}

	slog.Info("cue delivered",
		"cue", act.cue.Key,
		"speaker", speaker,
		"mode", mode,
		"match_confidence", confidence,
	)
	return nil
}

// generateReply renders an instruct cue through the provider in the role's
// voice, with the stage's prompt context as the system prompt.
func (s *Service) generateReply(ctx context.Context, act *action, role story.Role) (string, error) {
	req := llm.CompletionRequest{
		SystemPrompt: s.stage.SystemContext(role.Name),
		Messages: []llm.Message{{
			Role:    "user",
			Content: buildReplyMessage(role.Character, s.buildExcerpt(ctx), act.cue.Instruct),
		}},
		MaxTokens: s.replyTokens,
	}
	if temp, ok := s.stage.PresetFloat("temperature"); ok {
		req.Temperature = temp
		req.TemperatureSet = true
	}

	resp, err := s.provider.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("cue: generate line for %q: %w", act.cue.Key, err)
	}
	return strings.TrimSpace(resp.Content), nil
}

func buildReplyMessage(character, excerpt, instruct string) string {
	var b strings.Builder
	if excerpt != "" {
		b.WriteString("Recent conversation:\n")
		b.WriteString(excerpt)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Direction: %s\n\n", instruct)
	fmt.Fprintf(&b, "Write %s's next line. Respond with the line only, no name prefix and no quotation marks.", character)
	return b.String()
}

// buildExcerpt renders the most recent transcript messages as "speaker: text"
// lines, each trimmed to the excerpt character budget. A transcript read
// failure degrades to an empty excerpt.
func (s *Service) buildExcerpt(ctx context.Context) string {
	msgs, err := s.host.Recent(ctx, s.excerptMessages)
	if err != nil {
		slog.Warn("cue transcript read failed, generating without excerpt", "error", err)
		return ""
	}
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		text := m.Text
		if runes := []rune(text); len(runes) > s.excerptChars {
			text = string(runes[:s.excerptChars])
		}
		lines = append(lines, m.Author+": "+text)
	}
	return strings.Join(lines, "\n")
}
