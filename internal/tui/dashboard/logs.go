package dashboard

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/parley-ai/parley/internal/eventbus"
	"github.com/parley-ai/parley/internal/tui"
)

const maxLogLines = 1000

type logsModel struct {
	viewport   viewport.Model
	lines      []string
	autoScroll bool
	width      int
	height     int
}

func newLogs() logsModel {
	return logsModel{
		viewport:   viewport.New(80, 10),
		autoScroll: true,
	}
}

func (l *logsModel) SetSize(width, height int) {
	l.width = width
	l.height = height
	l.viewport.Width = width
	l.viewport.Height = height
}

func (l *logsModel) addEvent(msg EventMsg) {
	l.lines = append(l.lines, formatEvent(msg))
	if len(l.lines) > maxLogLines {
		l.lines = l.lines[len(l.lines)-maxLogLines:]
	}

	l.viewport.SetContent(strings.Join(l.lines, "\n"))
	if l.autoScroll {
		l.viewport.GotoBottom()
	}
}

func formatEvent(msg EventMsg) string {
	ts := msg.TS
	if ts.IsZero() {
		ts = time.Now()
	}
	stamp := ts.Format("15:04:05")

	// Log entries carry level/msg plus the record's attrs.
	if msg.Type == eventbus.LogEntry {
		var entry map[string]any
		if err := json.Unmarshal(msg.Data, &entry); err == nil {
			level, _ := entry["level"].(string)
			message, _ := entry["msg"].(string)

			var attrs []string
			for k, v := range entry {
				if k == "level" || k == "msg" || k == "time" {
					continue
				}
				attrs = append(attrs, fmt.Sprintf("%s=%v", k, v))
			}
			sort.Strings(attrs)

			line := fmt.Sprintf("  %s %s  %s",
				stamp, tui.LogLevelStyle(level).Render(fmt.Sprintf("%-5s", level)), message)
			if len(attrs) > 0 {
				line += "  " + tui.Dimmed.Render(strings.Join(attrs, " "))
			}
			return line
		}
	}

	// Everything else: the event type plus its raw payload.
	return fmt.Sprintf("  %s %s  %s", stamp, tui.Dimmed.Render(msg.Type), string(msg.Data))
}

func (l logsModel) Update(msg tea.Msg) (logsModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "G":
			l.autoScroll = true
			l.viewport.GotoBottom()
			return l, nil
		case "g":
			l.autoScroll = false
			l.viewport.GotoTop()
			return l, nil
		case "j", "down", "k", "up":
			l.autoScroll = false
		}
	}

	var cmd tea.Cmd
	l.viewport, cmd = l.viewport.Update(msg)
	return l, cmd
}

func (l logsModel) View() string {
	return l.viewport.View()
}
