package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/parley-ai/parley/internal/daemon"
)

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the background daemon process",
		RunE:  runStop,
	}
}

func runStop(cmd *cobra.Command, args []string) error {
	dir := stateDir(cmd)

	st, err := daemon.ReadState(dir)
	if err != nil {
		return fmt.Errorf("read state file: %w", err)
	}
	if st == nil {
		_, _ = fmt.Fprintln(os.Stdout, "Daemon is not running (no state file)")
		return nil
	}

	if !daemon.IsRunning(st.PID) {
		_ = daemon.RemoveState(dir)
		_, _ = fmt.Fprintf(os.Stdout, "Daemon is not running (stale state for PID %d removed)\n", st.PID)
		return nil
	}

	// Shutdown closes every session and reaps backend children; give it
	// longer than the broker's own internal timeout before escalating.
	_, _ = fmt.Fprintf(os.Stdout, "Stopping daemon (PID %d)...\n", st.PID)
	if err := daemon.StopProcess(st.PID, 15*time.Second); err != nil {
		return err
	}

	_ = daemon.RemoveState(dir)
	_, _ = fmt.Fprintln(os.Stdout, "Daemon stopped")
	return nil
}
