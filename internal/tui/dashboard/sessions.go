package dashboard

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/parley-ai/parley/internal/tui"
	"github.com/parley-ai/parley/pkg/schema"
)

const sessionRowsMax = 12

var sessionHeadStyle = lipgloss.NewStyle().Foreground(tui.ColorSubtle).Bold(true)

type sessionsModel struct {
	items  []schema.SessionInfo
	cursor int
}

func newSessions(sessions []schema.SessionInfo) sessionsModel {
	return sessionsModel{items: sessions}
}

func (s *sessionsModel) update(sessions []schema.SessionInfo) {
	s.items = sessions
	s.clamp()
}

func (s *sessionsModel) clamp() {
	if s.cursor >= len(s.items) {
		s.cursor = len(s.items) - 1
	}
	if s.cursor < 0 {
		s.cursor = 0
	}
}

func (s sessionsModel) Update(msg tea.Msg) (sessionsModel, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return s, nil
	}
	switch key.String() {
	case "j", "down":
		s.cursor++
	case "k", "up":
		s.cursor--
	case "G":
		s.cursor = len(s.items) - 1
	case "g":
		s.cursor = 0
	}
	s.clamp()
	return s, nil
}

func (s sessionsModel) View() string {
	if len(s.items) == 0 {
		return tui.Dimmed.Render("  No live sessions")
	}
	var b strings.Builder
	b.WriteString(sessionHeadStyle.Render(fmt.Sprintf("  %-12s %-14s %-17s %4s %4s  %s",
		"ID", "ADAPTER", "STATE", "CONS", "QUEUE", "AGE")))
	b.WriteByte('\n')
	for i, sess := range s.items {
		b.WriteString(s.row(sess, i == s.cursor))
		b.WriteByte('\n')
	}
	return b.String()
}

// row renders one session line. Cells are padded before styling: lipgloss
// escape codes would otherwise count against %-*s widths.
func (s sessionsModel) row(sess schema.SessionInfo, selected bool) string {
	mark := "  "
	cell := lipgloss.NewStyle()
	if selected {
		mark = tui.Selected.Render("> ")
		cell = cell.Bold(true)
	}
	return mark + fmt.Sprintf("%s %s %s %s %s  %s",
		cell.Render(fmt.Sprintf("%-12s", clip(sess.ID, 10))),
		cell.Render(fmt.Sprintf("%-14s", clip(string(sess.Adapter), 14))),
		stateColor(sess.State).Render(fmt.Sprintf("%-16s", sess.State)),
		cell.Render(fmt.Sprintf("%4d", sess.Consumers)),
		cell.Render(fmt.Sprintf("%4d", sess.QueueDepth)),
		cell.Render(formatSince(sess.CreatedAt, "-")),
	)
}

func (s sessionsModel) height() int {
	if n := len(s.items) + 2; n < sessionRowsMax {
		return n
	}
	return sessionRowsMax
}

func clip(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func stateColor(state schema.State) lipgloss.Style {
	switch state {
	case schema.StateActive:
		return lipgloss.NewStyle().Foreground(tui.ColorSuccess)
	case schema.StateStarting, schema.StateAwaitingBackend:
		return lipgloss.NewStyle().Foreground(tui.ColorAccent)
	case schema.StateDegraded:
		return lipgloss.NewStyle().Foreground(tui.ColorWarning)
	case schema.StateIdle:
		return lipgloss.NewStyle().Foreground(tui.ColorMuted)
	default:
		return lipgloss.NewStyle().Foreground(tui.ColorText)
	}
}
