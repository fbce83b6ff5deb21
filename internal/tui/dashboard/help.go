package dashboard

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/parley-ai/parley/internal/tui"
)

// keyHelp is one row of the shortcut overlay.
type keyHelp struct {
	keys string
	does string
}

var shortcuts = []keyHelp{
	{"q / Ctrl+C", "Quit the dashboard (daemon keeps running)"},
	{"d / Ctrl+D", "Detach (same, prints how to re-attach)"},
	{"Tab", "Switch between Sessions and Logs panels"},
	{"j / Down", "Move down / scroll down"},
	{"k / Up", "Move up / scroll up"},
	{"G", "Jump to bottom, re-enable log tailing"},
	{"g", "Jump to top"},
	{"?", "Toggle this help"},
}

var (
	helpKeyStyle  = lipgloss.NewStyle().Foreground(tui.ColorAccent).Bold(true).Width(14)
	helpDescStyle = lipgloss.NewStyle().Foreground(tui.ColorText)
)

type helpModel struct {
	visible bool
}

func newHelp() helpModel {
	return helpModel{}
}

func (h *helpModel) toggle() {
	h.visible = !h.visible
}

func (h helpModel) bar() string {
	return tui.Help.Render("  q quit  d detach  Tab switch  j/k navigate  G bottom  ? help")
}

func (h helpModel) View() string {
	var b strings.Builder
	b.WriteString(tui.Title.Render("Keyboard Shortcuts"))
	b.WriteString("\n\n")
	for _, sc := range shortcuts {
		b.WriteString("  ")
		b.WriteString(helpKeyStyle.Render(sc.keys))
		b.WriteString(helpDescStyle.Render(sc.does))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(tui.Help.Render("  Press ? to close"))
	return lipgloss.NewStyle().Padding(1, 2).Render(b.String())
}
