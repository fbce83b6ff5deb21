package dashboard

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/parley-ai/parley/internal/eventbus"
	"github.com/parley-ai/parley/internal/ipc"
)

const refreshInterval = 2 * time.Second

// Attach connects to a running daemon over the control socket and runs the
// dashboard until the user leaves. The daemon is never touched beyond reads;
// the returned flag only reports whether the user detached (d) or quit (q).
func Attach(socketPath string) (detached bool, err error) {
	client, err := ipc.Dial(socketPath)
	if err != nil {
		return false, fmt.Errorf("connect to daemon: %w", err)
	}
	defer func() { _ = client.Close() }()

	status, err := client.Status()
	if err != nil {
		return false, fmt.Errorf("query status: %w", err)
	}
	sessions, err := client.Sessions()
	if err != nil {
		return false, fmt.Errorf("query sessions: %w", err)
	}
	if err := client.Subscribe(); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}

	p := tea.NewProgram(NewModel(*status, sessions.Sessions), tea.WithAltScreen())

	// refresh re-polls status and sessions and reports reachability.
	refresh := func() {
		ok := true
		if s, err := client.Status(); err == nil {
			p.Send(StatusUpdateMsg{Status: *s})
		} else {
			ok = false
		}
		if sr, err := client.Sessions(); err == nil {
			p.Send(SessionsUpdateMsg{Sessions: sr.Sessions})
		} else {
			ok = false
		}
		p.Send(ReachableMsg{OK: ok})
	}

	// Stream events into the log panel; session lifecycle events also refresh
	// the table immediately instead of waiting for the next tick.
	go func() {
		for evt := range client.Events() {
			p.Send(EventMsg{Type: evt.Type, TS: evt.Timestamp, Data: evt.Data})
			switch evt.Type {
			case eventbus.SessionCreated, eventbus.SessionClosed, eventbus.SessionState:
				refresh()
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()
		for range ticker.C {
			refresh()
		}
	}()

	final, err := p.Run()
	if err != nil {
		return false, fmt.Errorf("dashboard: %w", err)
	}
	if m, ok := final.(Model); ok {
		return m.Detached(), nil
	}
	return false, nil
}
