package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/parley-ai/parley/internal/daemon"
	"github.com/parley-ai/parley/internal/ipc"
)

func newSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List live sessions on the running daemon",
		RunE:  runSessions,
	}
}

func runSessions(cmd *cobra.Command, args []string) error {
	dir := stateDir(cmd)

	client, err := ipc.Dial(daemon.SocketPath(dir))
	if err != nil {
		return fmt.Errorf("daemon is not running: %w", err)
	}
	defer func() { _ = client.Close() }()

	result, err := client.Sessions()
	if err != nil {
		return err
	}
	if len(result.Sessions) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No live sessions.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tADAPTER\tSTATE\tCONSUMERS\tQUEUE\tAGE")
	for _, s := range result.Sessions {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			s.ID, s.Adapter, s.State, s.Consumers, s.QueueDepth,
			time.Since(s.CreatedAt).Round(time.Second))
	}
	return w.Flush()
}
