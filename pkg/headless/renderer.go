// Package headless runs one-shot prompts without an interactive session and
// owns the terminal rendering shared with the REPL.
package headless

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"

	"github.com/powere-ch/guide-cli/pkg/chat"
	"github.com/powere-ch/guide-cli/pkg/guide"
	"github.com/powere-ch/guide-cli/pkg/tui/theme"
)

// Renderer formats answers and citations for the terminal. Markdown answers
// go through glamour; error content and citations use the theme styles
// directly.
type Renderer struct {
	out      io.Writer
	styles   *theme.Styles
	markdown *glamour.TermRenderer
}

func NewRenderer(out io.Writer) (*Renderer, error) {
	md, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create markdown renderer: %w", err)
	}

	return &Renderer{
		out:      out,
		styles:   theme.DefaultStyles(),
		markdown: md,
	}, nil
}

// Answer renders the resolved assistant message: inline error content in the
// error style, everything else as markdown, followed by its citations.
func (r *Renderer) Answer(msg chat.Message) {
	if strings.HasPrefix(msg.Content, "Error:") {
		fmt.Fprintln(r.out, r.styles.Error.Render(msg.Content))
		return
	}

	rendered, err := r.markdown.Render(msg.Content)
	if err != nil {
		// Fall back to the raw text rather than losing the answer.
		rendered = msg.Content + "\n"
	}
	fmt.Fprint(r.out, rendered)

	r.Citations(msg.Citations)
}

// Citations renders the source list, one line per document.
func (r *Renderer) Citations(citations []guide.Citation) {
	if len(citations) == 0 {
		return
	}

	fmt.Fprintln(r.out, r.styles.Muted.Render("Sources:"))
	for i, c := range citations {
		line := fmt.Sprintf("  [%d] %s", i+1, citationLabel(c))
		if c.URL != nil && *c.URL != "" {
			line += " " + r.styles.Muted.Render("<"+*c.URL+">")
		}
		fmt.Fprintln(r.out, r.styles.Citation.Render(line))
	}
}

// Offline reports an unreachable service.
func (r *Renderer) Offline(status guide.Status) {
	msg := "AI-guide service is not reachable"
	if status.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, status.Err)
	}
	fmt.Fprintln(r.out, r.styles.Offline.Render(msg))
}

// Notice prints an informational line.
func (r *Renderer) Notice(text string) {
	fmt.Fprintln(r.out, r.styles.Info.Render(text))
}

func citationLabel(c guide.Citation) string {
	if c.Title != "" {
		return c.Title
	}
	return c.ID
}
