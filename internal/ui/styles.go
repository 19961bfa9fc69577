package ui

import (
	"github.com/charmbracelet/lipgloss"

	"pkt.systems/marina/schema"
)

// Palette holds the colors of a theme.
type Palette struct {
	Foreground lipgloss.Color
	Muted      lipgloss.Color
	Primary    lipgloss.Color
	Accent     lipgloss.Color
	Error      lipgloss.Color
}

// PaletteFor returns the palette of a theme.
func PaletteFor(theme schema.ThemeName) Palette {
	if theme == "midnight" {
		return Palette{
			Foreground: lipgloss.Color("#e6edf3"),
			Muted:      lipgloss.Color("#6e7f96"),
			Primary:    lipgloss.Color("#4fc3f7"),
			Accent:     lipgloss.Color("#ffb74d"),
			Error:      lipgloss.Color("#ef5350"),
		}
	}
	return Palette{
		Foreground: lipgloss.Color("#0b2540"),
		Muted:      lipgloss.Color("#7a8899"),
		Primary:    lipgloss.Color("#005f99"),
		Accent:     lipgloss.Color("#e07a00"),
		Error:      lipgloss.Color("#c62828"),
	}
}

// Styles holds the rendered styles of a theme.
type Styles struct {
	Theme   schema.ThemeName
	Title   lipgloss.Style
	Body    lipgloss.Style
	Muted   lipgloss.Style
	Error   lipgloss.Style
	Spinner lipgloss.Style
	Content lipgloss.Style
}

// NewStyles builds the styles of a theme.
func NewStyles(theme schema.ThemeName) Styles {
	p := PaletteFor(theme)
	return Styles{
		Theme: theme,
		Title: lipgloss.NewStyle().
			Foreground(p.Primary).
			Bold(true).
			MarginBottom(1),
		Body: lipgloss.NewStyle().
			Foreground(p.Foreground),
		Muted: lipgloss.NewStyle().
			Foreground(p.Muted),
		Error: lipgloss.NewStyle().
			Foreground(p.Error).
			Bold(true),
		Spinner: lipgloss.NewStyle().
			Foreground(p.Accent),
		Content: lipgloss.NewStyle().
			Padding(1, 2),
	}
}
