package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/powere-ch/guide-cli/pkg/controllers"
	"github.com/powere-ch/guide-cli/pkg/headless"
	"github.com/powere-ch/guide-cli/pkg/tui/theme"
)

// runRepl drives the interactive session: a prompt loop with slash commands,
// gated on the liveness probe before every send.
func runRepl(gc *controllers.GuideController) error {
	renderer, err := headless.NewRenderer(os.Stdout)
	if err != nil {
		return err
	}
	styles := theme.DefaultStyles()

	if status := gc.Probe(context.Background()); !status.Reachable {
		renderer.Offline(status)
	} else if id := gc.ConversationID(); id != "" {
		renderer.Notice("Continuing conversation " + id)
	}

	fmt.Println(styles.Muted.Render("Type a question, or /help for commands."))

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(styles.Prompt.Render("> "))
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := handleCommand(gc, renderer, line); quit {
				return nil
			}
			continue
		}

		sendTurn(gc, renderer, line)
	}
}

func sendTurn(gc *controllers.GuideController, renderer *headless.Renderer, line string) {
	ctx := context.Background()

	if !gc.Reachable() {
		if status := gc.Probe(ctx); !status.Reachable {
			renderer.Offline(status)
			return
		}
	}

	msg, err := gc.Send(ctx, line)
	switch {
	case errors.Is(err, controllers.ErrUnreachable):
		renderer.Offline(gc.Probe(ctx))
	case errors.Is(err, controllers.ErrTurnReset):
		// Conversation was reset underneath the turn; nothing to print.
	case err != nil:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	default:
		renderer.Answer(msg)
	}
}

func handleCommand(gc *controllers.GuideController, renderer *headless.Renderer, line string) (quit bool) {
	switch strings.Fields(line)[0] {
	case "/quit", "/exit", "/q":
		return true

	case "/reset":
		if err := gc.Reset(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return false
		}
		renderer.Notice("Conversation cleared.")

	case "/citations":
		msg, ok := gc.LastAssistantMessage()
		if !ok || len(msg.Citations) == 0 {
			renderer.Notice("No citations yet.")
			return false
		}
		renderer.Citations(msg.Citations)

	case "/debug":
		meta, err := gc.LastDebugMeta()
		if err != nil || meta == nil {
			renderer.Notice("No debug meta cached. Run with --debug to collect it.")
			return false
		}
		for stage, ms := range meta.TimingMS {
			renderer.Notice(fmt.Sprintf("  %s: %dms", stage, ms))
		}
		for name, value := range meta.Backend {
			renderer.Notice(fmt.Sprintf("  %s: %s", name, value))
		}

	case "/help":
		renderer.Notice("/reset      clear the conversation")
		renderer.Notice("/citations  show sources for the last answer")
		renderer.Notice("/debug      show server timings from the last answer")
		renderer.Notice("/quit       exit")

	default:
		renderer.Notice("Unknown command. Try /help.")
	}
	return false
}
