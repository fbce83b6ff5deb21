package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/parley-ai/parley/internal/daemon"
	"github.com/parley-ai/parley/internal/ipc"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	dir := stateDir(cmd)

	// Try IPC first for live status.
	if status, err := queryIPCStatus(dir); err == nil {
		_, _ = fmt.Fprintf(os.Stdout, "Status:    running\n")
		_, _ = fmt.Fprintf(os.Stdout, "PID:       %d\n", status.PID)
		_, _ = fmt.Fprintf(os.Stdout, "Version:   %s\n", status.Version)
		_, _ = fmt.Fprintf(os.Stdout, "Uptime:    %s\n", status.Uptime)
		_, _ = fmt.Fprintf(os.Stdout, "Address:   %s\n", status.Address)
		_, _ = fmt.Fprintf(os.Stdout, "Sessions:  %d/%d\n", status.Sessions, status.MaxSessions)
		_, _ = fmt.Fprintf(os.Stdout, "Processes: %d\n", status.Processes)
		_, _ = fmt.Fprintf(os.Stdout, "Adapters:  %s\n", strings.Join(status.Adapters, ", "))
		_, _ = fmt.Fprintf(os.Stdout, "Storage:   %s\n", status.Storage)
		return nil
	}

	// Fall back to the state file.
	st, err := daemon.ReadState(dir)
	if err != nil {
		return fmt.Errorf("read state file: %w", err)
	}
	if st == nil {
		_, _ = fmt.Fprintln(os.Stdout, "Status:  stopped (no state file)")
		return nil
	}
	if st.Stale(time.Now()) {
		_, _ = fmt.Fprintf(os.Stdout, "Status:  stopped (stale state, PID %d)\n", st.PID)
		return nil
	}

	_, _ = fmt.Fprintf(os.Stdout, "Status:  running\n")
	_, _ = fmt.Fprintf(os.Stdout, "PID:     %d\n", st.PID)
	_, _ = fmt.Fprintf(os.Stdout, "Port:    %d\n", st.Port)
	_, _ = fmt.Fprintf(os.Stdout, "Version: %s\n", st.Version)
	_, _ = fmt.Fprintf(os.Stdout, "Logs:    %s\n", daemon.LogPath(dir))
	return nil
}

func queryIPCStatus(dir string) (*ipc.StatusResult, error) {
	client, err := ipc.Dial(daemon.SocketPath(dir))
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Close() }()
	return client.Status()
}
