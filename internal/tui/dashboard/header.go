package dashboard

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/parley-ai/parley/internal/ipc"
	"github.com/parley-ai/parley/internal/tui"
)

var headerBox = lipgloss.NewStyle().
	Border(lipgloss.RoundedBorder()).
	BorderForeground(tui.ColorPrimary).
	Padding(0, 1)

// headerModel shows daemon identity and reachability. online flips to false
// when status polls stop answering and back on the next answer.
type headerModel struct {
	status ipc.StatusResult
	online bool
}

func newHeader(status ipc.StatusResult) headerModel {
	return headerModel{status: status, online: true}
}

func (h *headerModel) update(status ipc.StatusResult) {
	h.status = status
	h.online = true
}

func (h *headerModel) setOnline(online bool) {
	h.online = online
}

func (h headerModel) View(width int) string {
	name := tui.Title.Render("Parley")
	state := fmt.Sprintf("%s  %s %s", h.status.Address, tui.StatusDot(h.online), tui.StatusText(h.online))
	gap := width - lipgloss.Width(name) - lipgloss.Width(state) - 6
	if gap < 1 {
		gap = 1
	}
	top := name + strings.Repeat(" ", gap) + state

	info := fmt.Sprintf("  PID: %d   Sessions: %d/%d   Procs: %d   Uptime: %s",
		h.status.PID, h.status.Sessions, h.status.MaxSessions, h.status.Processes,
		formatSince(h.status.StartedAt, h.status.Uptime))
	meta := fmt.Sprintf("  Backends: %s   Storage: %s",
		strings.Join(h.status.Adapters, ", "), h.status.Storage)

	body := top + "\n" + tui.Description.Render(info+"\n"+meta)
	return headerBox.Width(width - 2).Render(body)
}

// formatSince renders elapsed time since t in coarse buckets: daemon uptime
// in the header, session age in the table. Zero t yields the fallback.
func formatSince(t time.Time, fallback string) string {
	if t.IsZero() {
		return fallback
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
