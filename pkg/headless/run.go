package headless

import (
	"context"
	"fmt"
	"os"

	"github.com/powere-ch/guide-cli/pkg/controllers"
)

// RunHeadless executes a single prompt and prints the rendered answer.
// This is the main entry point for one-shot CLI execution.
func RunHeadless(gc *controllers.GuideController, prompt string) error {
	if prompt == "" {
		return fmt.Errorf("prompt cannot be empty in headless mode")
	}

	renderer, err := NewRenderer(os.Stdout)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if status := gc.Probe(ctx); !status.Reachable {
		renderer.Offline(status)
		return fmt.Errorf("service unreachable")
	}

	msg, err := gc.Send(ctx, prompt)
	if err != nil {
		return fmt.Errorf("failed to execute prompt: %w", err)
	}

	renderer.Answer(msg)
	return nil
}
