package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/MrWong99/questline/internal/app"
	"github.com/MrWong99/questline/internal/host"
	"github.com/MrWong99/questline/pkg/provider/llm"
)

const (
	localExcerptMessages = 8
	localReplyTokens     = 300
)

// runLocal drives a stdin/stdout turn loop against the in-memory host. Each
// line is posted as the player's turn and the engine takes one generation
// slot, which a staged cue may intercept; otherwise a free-form reply is
// drafted through the provider chain. EOF or /quit ends the session.
func runLocal(ctx context.Context, application *app.App, stop func()) {
	mem, ok := application.Host().(*host.MemHost)
	if !ok {
		return
	}

	sub := mem.Subscribe(func(ev host.Event) {
		if ev.Kind == host.EventCharacterMessage {
			fmt.Printf("%s: %s\n", ev.Author, ev.Text)
		}
	})
	defer sub.Cancel()

	roleName, speaker := localSpeaker(application)
	view := application.Director().View()
	printCheckpoint(application, view.ActiveID)

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
		case "/quit":
			stop()
			return
		case "/status":
			printStatus(application)
		default:
			mem.PostUser("Player", line)
			if !mem.BeginGeneration(ctx, host.GenerationNormal) {
				reply(ctx, application, mem, roleName, speaker)
			}
			next := application.Director().View()
			if next.ActiveID != view.ActiveID {
				printCheckpoint(application, next.ActiveID)
			}
			if next.Completed {
				fmt.Println("\nThe story is complete.")
				stop()
				return
			}
			view = next
		}
		fmt.Print("> ")
	}
	stop()
}

// reply drafts one free-form line for speaker from the stage context and the
// resilient provider chain, mirroring the hosted reply path. roleName keys
// the stage's prompt lookup; speaker is the display name the line posts as.
func reply(ctx context.Context, application *app.App, mem *host.MemHost, roleName, speaker string) {
	mem.DraftSpeaker(speaker)

	req := llm.CompletionRequest{
		SystemPrompt: application.Stage().SystemContext(roleName),
		Messages: []llm.Message{{
			Role:    "user",
			Content: localReplyPrompt(ctx, mem, speaker),
		}},
		MaxTokens: localReplyTokens,
	}
	if temp, ok := application.Stage().PresetFloat("temperature"); ok {
		req.Temperature = temp
		req.TemperatureSet = true
	}

	resp, err := application.Provider().Complete(ctx, req)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			slog.Warn("local reply generation failed", "err", err)
		}
		_ = mem.AbortGeneration(ctx)
		return
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		_ = mem.AbortGeneration(ctx)
		return
	}
	mem.FinishGeneration(speaker, text, host.GenerationNormal)
}

func localReplyPrompt(ctx context.Context, mem *host.MemHost, speaker string) string {
	var b strings.Builder
	if msgs, err := mem.Recent(ctx, localExcerptMessages); err == nil && len(msgs) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, m := range msgs {
			b.WriteString(m.Author + ": " + m.Text + "\n")
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Write %s's next message. Respond with the message only, no name prefix.", speaker)
	return b.String()
}

// localSpeaker picks the role whose character answers free-form turns: the
// narrator role when the story declares one, otherwise the first declared
// role.
func localSpeaker(application *app.App) (roleName, character string) {
	if r, ok := application.Graph().Role("narrator"); ok {
		return r.Name, r.Character
	}
	if roles := application.Graph().Roles(); len(roles) > 0 {
		return roles[0].Name, roles[0].Character
	}
	return "", "Narrator"
}

func printCheckpoint(application *app.App, id string) {
	cp, ok := application.Graph().Checkpoint(id)
	if !ok {
		return
	}
	fmt.Printf("\n— %s —\n%s\n", cp.Name, cp.Objective)
}

func printStatus(application *app.App) {
	v := application.Director().View()
	fmt.Printf("turn %d, checkpoint %s (%d turns in), interval %d\n",
		v.Turn, v.ActiveID, v.TurnsInCheckpoint, v.IntervalTurns)
	for _, cp := range application.Graph().Checkpoints() {
		fmt.Printf("  %-8s  %s\n", v.Statuses[cp.ID], cp.Name)
	}
}
