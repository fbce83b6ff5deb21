package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/parley-ai/parley/internal/daemon"
)

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start [config-file]",
		Short: "Start the daemon as a background process",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStart,
	}
	cmd.Flags().Bool("foreground", false, "run in the foreground instead of detaching")
	return cmd
}

func runStart(cmd *cobra.Command, args []string) error {
	configPath, cfg, err := loadConfig(cmd, args)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if fg, _ := cmd.Flags().GetBool("foreground"); fg {
		return runRun(cmd, args)
	}

	dir := cfg.Daemon.StateDir
	if st, err := daemon.ReadState(dir); err == nil && st != nil {
		if !st.Stale(time.Now()) {
			return fmt.Errorf("daemon is already running (PID %d)", st.PID)
		}
		_ = daemon.RemoveState(dir)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	logFile, err := daemon.OpenLogFile(dir)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	// The child writes the state file itself once its port is bound.
	childArgs := []string{"run"}
	if configPath != "" {
		childArgs = append(childArgs, configPath)
	}
	child := exec.Command(exe, childArgs...)
	child.Stdout = logFile
	child.Stderr = logFile
	child.SysProcAttr = daemon.DetachSysProcAttr()

	if err := child.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "Parley daemon started (PID %d)\n", child.Process.Pid)
	_, _ = fmt.Fprintf(os.Stdout, "  Config: %s\n", configDisplay(configPath))
	_, _ = fmt.Fprintf(os.Stdout, "  Logs:   %s\n", daemon.LogPath(dir))
	return nil
}
