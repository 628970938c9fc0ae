package theme

import (
	"github.com/charmbracelet/lipgloss"
)

// Base16 color palette with orange, brown, yellow, and pink tones
// Based on Autumn theme with warm earth tones
var (
	// Base colors (backgrounds and text)
	ColorBase00 = lipgloss.Color("#1a1816") // Dark background
	ColorBase03 = lipgloss.Color("#5c5044") // Comments, invisibles
	ColorBase05 = lipgloss.Color("#ab937b") // Default foreground
	ColorBase07 = lipgloss.Color("#f5d7b9") // Lightest foreground

	// Accent colors
	ColorRed    = lipgloss.Color("#d95f5f") // Errors
	ColorOrange = lipgloss.Color("#eb8755") // Prompt, focus
	ColorYellow = lipgloss.Color("#f5b761") // Warnings
	ColorGreen  = lipgloss.Color("#93b56b") // Success, user input
	ColorCyan   = lipgloss.Color("#61afaf") // Info, citations
	ColorBlue   = lipgloss.Color("#6b93b5") // Assistant output

	// UI specific colors
	ColorError   = ColorRed
	ColorWarning = ColorYellow
	ColorSuccess = ColorGreen
	ColorInfo    = ColorCyan
	ColorMuted   = ColorBase03
	ColorFocus   = ColorOrange
)

// tokens maps theme token names onto palette colors. Lookups go through
// Color so callers never read the palette directly.
var tokens = map[string]lipgloss.Color{
	"background": ColorBase00,
	"foreground": ColorBase05,
	"muted":      ColorMuted,
	"focus":      ColorFocus,
	"error":      ColorError,
	"warning":    ColorWarning,
	"success":    ColorSuccess,
	"info":       ColorInfo,
	"user":       ColorGreen,
	"assistant":  ColorBase07,
	"citation":   ColorCyan,
}

// Color resolves a named token, falling back to the default foreground for
// unknown names.
func Color(name string) lipgloss.Color {
	if c, ok := tokens[name]; ok {
		return c
	}
	return ColorBase05
}

// Styles defines the Lipgloss styles for the chat session output.
type Styles struct {
	Prompt    lipgloss.Style
	UserLabel lipgloss.Style
	Assistant lipgloss.Style
	Citation  lipgloss.Style
	Error     lipgloss.Style
	Warning   lipgloss.Style
	Info      lipgloss.Style
	Muted     lipgloss.Style
	Offline   lipgloss.Style
}

// DefaultStyles returns the default Lipgloss styles.
func DefaultStyles() *Styles {
	return &Styles{
		Prompt: lipgloss.NewStyle().
			Foreground(ColorFocus).
			Bold(true),

		UserLabel: lipgloss.NewStyle().
			Foreground(ColorGreen).
			Bold(true),

		Assistant: lipgloss.NewStyle().
			Foreground(ColorBase07),

		Citation: lipgloss.NewStyle().
			Foreground(ColorInfo),

		Error: lipgloss.NewStyle().
			Foreground(ColorError).
			Bold(true),

		Warning: lipgloss.NewStyle().
			Foreground(ColorWarning),

		Info: lipgloss.NewStyle().
			Foreground(ColorInfo),

		Muted: lipgloss.NewStyle().
			Foreground(ColorMuted),

		Offline: lipgloss.NewStyle().
			Foreground(ColorError),
	}
}
