// Package dashboard renders the live parleyd dashboard: daemon status,
// session table, and a streaming log tail over the control socket.
package dashboard

import (
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/parley-ai/parley/internal/ipc"
	"github.com/parley-ai/parley/internal/tui"
	"github.com/parley-ai/parley/pkg/schema"
)

// pane identifies the panel holding keyboard focus.
type pane int

const (
	paneSessions pane = iota
	paneLogs
)

// keymap collects the root-level bindings; panel-local keys (j/k/g/G) stay
// with their panels.
var keymap = struct {
	quit   key.Binding
	detach key.Binding
	focus  key.Binding
	help   key.Binding
}{
	quit:   key.NewBinding(key.WithKeys("ctrl+c", "q")),
	detach: key.NewBinding(key.WithKeys("ctrl+d", "d")),
	focus:  key.NewBinding(key.WithKeys("tab")),
	help:   key.NewBinding(key.WithKeys("?")),
}

// Model is the root dashboard model.
type Model struct {
	header headerModel
	table  sessionsModel
	logs   logsModel
	help   helpModel

	focus    pane
	width    int
	height   int
	detached bool
	quitting bool
}

// NewModel seeds the dashboard with one status and session snapshot; live
// updates arrive as messages from the attach loop.
func NewModel(status ipc.StatusResult, sessions []schema.SessionInfo) Model {
	return Model{
		header: newHeader(status),
		table:  newSessions(sessions),
		logs:   newLogs(),
		help:   newHelp(),
	}
}

// StatusUpdateMsg carries fresh daemon status.
type StatusUpdateMsg struct {
	Status ipc.StatusResult
}

// SessionsUpdateMsg carries a fresh session listing.
type SessionsUpdateMsg struct {
	Sessions []schema.SessionInfo
}

// EventMsg wraps one event from the control socket stream.
type EventMsg struct {
	Type string
	TS   time.Time
	Data []byte
}

// ReachableMsg reports whether the last status poll got an answer.
type ReachableMsg struct {
	OK bool
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.logs.SetSize(msg.Width-4, m.logsHeight())
		return m, nil
	case tea.KeyMsg:
		return m.handleKey(msg)
	case StatusUpdateMsg:
		m.header.update(msg.Status)
		return m, nil
	case SessionsUpdateMsg:
		m.table.update(msg.Sessions)
		return m, nil
	case ReachableMsg:
		m.header.setOnline(msg.OK)
		return m, nil
	case EventMsg:
		m.logs.addEvent(msg)
		return m, nil
	}
	return m.routeToFocused(msg)
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keymap.quit):
		m.quitting = true
		return m, tea.Quit
	case key.Matches(msg, keymap.detach):
		m.detached = true
		return m, tea.Quit
	case key.Matches(msg, keymap.focus):
		if m.focus == paneSessions {
			m.focus = paneLogs
		} else {
			m.focus = paneSessions
		}
		return m, nil
	case key.Matches(msg, keymap.help):
		m.help.toggle()
		return m, nil
	}
	return m.routeToFocused(msg)
}

func (m Model) routeToFocused(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch m.focus {
	case paneSessions:
		m.table, cmd = m.table.Update(msg)
	case paneLogs:
		m.logs, cmd = m.logs.Update(msg)
	}
	return m, cmd
}

func (m Model) View() string {
	if m.help.visible {
		return m.help.View()
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		m.header.View(m.width),
		m.renderPane(" Sessions", m.table.View(), m.focus == paneSessions),
		m.renderPane(" Logs", m.logs.View(), m.focus == paneLogs),
		m.help.bar(),
	)
}

// renderPane draws one bordered panel; focus shows in the border color.
func (m Model) renderPane(title, body string, focused bool) string {
	border := tui.ColorMuted
	if focused {
		border = tui.ColorPrimary
	}
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(border).
		Width(m.width - 2).
		Render(tui.Subtitle.Render(title) + "\n" + body)
}

// Detached reports whether the user left with d rather than q. Either way the
// daemon keeps running; callers only use this to pick a goodbye message.
func (m Model) Detached() bool { return m.detached }

// Quitting reports whether the user quit the dashboard.
func (m Model) Quitting() bool { return m.quitting }

// logsHeight is the room left for the log viewport once the header, session
// table, help bar, and borders are drawn.
func (m Model) logsHeight() int {
	h := m.height - (6 + m.table.height() + 4)
	if h < 5 {
		h = 5
	}
	return h
}
