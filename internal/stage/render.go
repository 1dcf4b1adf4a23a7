package stage

import (
	"strings"

	"github.com/MrWong99/questline/internal/story"
)

// SystemContext renders the prompt context block for role: the role's
// effective prompt, the active lore entries, and the author's note, in that
// order. Empty sections are omitted entirely rather than rendering as bare
// headers, so a fresh stage renders "".
//
// Preset overrides are generation parameters, not prompt text; callers read
// them through [Stage.Preset] instead.
func (s *Stage) SystemContext(role string) string {
	s.mu.RLock()
	prompt := s.rolePromptLocked(role)
	lore := s.activeLoreLocked()
	note := s.authorNote
	budget := s.loreBudget
	s.mu.RUnlock()

	var sb strings.Builder

	if prompt != "" {
		sb.WriteString(prompt)
	}

	if loreSection := renderLoreSection(lore, budget); loreSection != "" {
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString("## World Lore\n")
		sb.WriteString(loreSection)
	}

	if note != "" {
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString("## Author's Note\n")
		sb.WriteString(note)
	}

	return sb.String()
}

// renderLoreSection renders entries whole, in order, stopping before the
// entry that would push total content length past budget. A non-positive
// budget renders everything.
func renderLoreSection(entries []story.LoreEntry, budget int) string {
	var (
		parts []string
		used  int
	)
	for _, e := range entries {
		if budget > 0 && used+len(e.Content) > budget {
			break
		}
		used += len(e.Content)
		if e.Title != "" {
			parts = append(parts, "### "+e.Title+"\n"+e.Content)
		} else {
			parts = append(parts, e.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}
