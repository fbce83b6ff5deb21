// Package tui provides the shared theme and styles for the parleyd dashboard.
package tui

import "github.com/charmbracelet/lipgloss"

// Brand palette.
var (
	ColorPrimary   = lipgloss.Color("#14B8A6") // teal
	ColorSecondary = lipgloss.Color("#0EA5E9") // sky
	ColorAccent    = lipgloss.Color("#F59E0B") // amber

	ColorSuccess = lipgloss.Color("#10B981") // emerald
	ColorWarning = lipgloss.Color("#F59E0B") // amber
	ColorError   = lipgloss.Color("#EF4444") // red
	ColorMuted   = lipgloss.Color("#6B7280") // gray-500
	ColorText    = lipgloss.Color("#E5E7EB") // gray-200
	ColorSubtle  = lipgloss.Color("#9CA3AF") // gray-400
)

// Shared styles used across the dashboard panels.
var (
	// Title is the main heading style.
	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorPrimary)

	// Subtitle for panel headings.
	Subtitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorSecondary)

	// Description for helper text.
	Description = lipgloss.NewStyle().
			Foreground(ColorSubtle)

	// Selected highlights the currently focused item.
	Selected = lipgloss.NewStyle().
			Foreground(ColorPrimary).
			Bold(true)

	// Dimmed for non-focused items.
	Dimmed = lipgloss.NewStyle().
		Foreground(ColorMuted)

	// Success for positive messages.
	Success = lipgloss.NewStyle().
		Foreground(ColorSuccess)

	// ErrorStyle for error messages (avoiding collision with builtin error).
	ErrorStyle = lipgloss.NewStyle().
			Foreground(ColorError)

	// Help for keybind hints at the bottom.
	Help = lipgloss.NewStyle().
		Foreground(ColorMuted)

	// ActiveDot marks a reachable daemon.
	ActiveDot = lipgloss.NewStyle().
			Foreground(ColorSuccess).
			Render("●")

	// InactiveDot marks a daemon that stopped answering.
	InactiveDot = lipgloss.NewStyle().
			Foreground(ColorError).
			Render("●")
)

// StatusDot returns a colored dot for daemon reachability.
func StatusDot(online bool) string {
	if online {
		return ActiveDot
	}
	return InactiveDot
}

// StatusText returns a colored reachability label.
func StatusText(online bool) string {
	if online {
		return Success.Render("online")
	}
	return ErrorStyle.Render("unreachable")
}

var levelStyles = map[string]lipgloss.Style{
	"DEBUG": lipgloss.NewStyle().Foreground(ColorMuted),
	"INFO":  lipgloss.NewStyle().Foreground(ColorSuccess),
	"WARN":  lipgloss.NewStyle().Foreground(ColorWarning),
	"ERROR": lipgloss.NewStyle().Foreground(ColorError),
}

// LogLevelStyle styles an upper-case slog level name.
func LogLevelStyle(level string) lipgloss.Style {
	if s, ok := levelStyles[level]; ok {
		return s
	}
	return lipgloss.NewStyle().Foreground(ColorText)
}
