package cmd

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/daemon"
)

// runDefault implements the bare `parleyd` (no subcommand) behavior:
//   - daemon running? → attach dashboard
//   - no config? → run init wizard
//   - config exists, daemon stopped? → run in the foreground
func runDefault(cmd *cobra.Command, args []string) error {
	// Only use smart default logic if running in a TTY.
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return runRun(cmd, args)
	}

	dir := stateDir(cmd)
	if st, _ := daemon.ReadState(dir); st != nil && !st.Stale(time.Now()) {
		return runAttach(cmd, args)
	}

	configPath := resolveConfigPath(cmd, args, "")
	if configPath == "" {
		configPath = config.DefaultConfigPath()
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		initCmd := newInitCmd()
		initCmd.SetContext(cmd.Context())
		return initCmd.RunE(initCmd, nil)
	}

	return runRun(cmd, args)
}
