package main

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"skein/pkg/session"
)

// Theme defines the colors used by skein dash.
type Theme struct {
	Primary   lipgloss.Color
	Secondary lipgloss.Color
	Success   lipgloss.Color
	Warning   lipgloss.Color
	Error     lipgloss.Color
	Muted     lipgloss.Color
}

// DefaultTheme returns the default dashboard theme (ANSI 256 palette).
func DefaultTheme() Theme {
	return Theme{
		Primary:   lipgloss.Color("12"),  // blue
		Secondary: lipgloss.Color("14"),  // cyan
		Success:   lipgloss.Color("10"),  // green
		Warning:   lipgloss.Color("11"),  // yellow
		Error:     lipgloss.Color("9"),   // red
		Muted:     lipgloss.Color("240"), // gray
	}
}

// Styles holds the lipgloss styles derived from a Theme. Built once per model
// so View does not allocate styles on every frame.
type Styles struct {
	Title    lipgloss.Style
	Header   lipgloss.Style
	Cell     lipgloss.Style
	Selected lipgloss.Style
	Muted    lipgloss.Style
	Error    lipgloss.Style
	Healthy  lipgloss.Style
	Degraded lipgloss.Style
	Panel    lipgloss.Style

	statusColors map[string]lipgloss.Color
}

// NewStyles builds the dashboard styles for theme.
func NewStyles(theme Theme) Styles {
	return Styles{
		Title:    lipgloss.NewStyle().Bold(true).Foreground(theme.Primary),
		Header:   lipgloss.NewStyle().Bold(true).Foreground(theme.Primary),
		Cell:     lipgloss.NewStyle().PaddingRight(1),
		Selected: lipgloss.NewStyle().Bold(true).Foreground(theme.Secondary),
		Muted:    lipgloss.NewStyle().Foreground(theme.Muted),
		Error:    lipgloss.NewStyle().Foreground(theme.Error),
		Healthy:  lipgloss.NewStyle().Foreground(theme.Success),
		Degraded: lipgloss.NewStyle().Foreground(theme.Warning),
		Panel: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(theme.Muted).
			Padding(0, 1),
		statusColors: map[string]lipgloss.Color{
			string(session.StatusIdle):        theme.Success,
			string(session.StatusRunning):     theme.Secondary,
			string(session.StatusWaitingUser): theme.Warning,
			string(session.StatusErrored):     theme.Error,
			string(session.StatusClosed):      theme.Muted,
		},
	}
}

// Status renders a session status in its color. Unknown statuses are muted.
func (s Styles) Status(status string) string {
	c, ok := s.statusColors[status]
	if !ok {
		return s.Muted.Render(status)
	}
	return lipgloss.NewStyle().Foreground(c).Render(strings.TrimPrefix(status, "OPEN_"))
}
