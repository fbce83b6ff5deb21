package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/parley-ai/parley/internal/daemon"
	"github.com/parley-ai/parley/internal/tui/dashboard"
)

func newAttachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach",
		Short: "Open the dashboard for a running daemon",
		Args:  cobra.NoArgs,
		RunE:  runAttach,
	}
}

// runAttach also backs the bare `parleyd` default when a daemon is up.
func runAttach(cmd *cobra.Command, _ []string) error {
	if _, err := dashboard.Attach(daemon.SocketPath(stateDir(cmd))); err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	fmt.Println("Daemon continues in the background.")
	fmt.Println("Re-attach: parleyd attach  |  Stop: parleyd stop")
	return nil
}
