package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/parley-ai/parley/internal/config"
)

var version = "dev"

// NewRootCmd creates the root cobra command for parleyd.
// When invoked without a subcommand in a TTY, it uses smart default logic:
// daemon running → attach, no config → init wizard, otherwise → run.
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:           "parleyd",
		Short:         "Parley daemon — broker for conversational AI sessions",
		Long:          "Parley launches backend coding agents, normalizes their protocols into one message schema, and multiplexes live sessions to WebSocket consumers.",
		RunE:          runDefault,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newStartCmd())
	root.AddCommand(newStopCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newSessionsCmd())
	root.AddCommand(newLogsCmd())
	root.AddCommand(newAttachCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file")

	return root
}

// resolveConfigPath returns the config file path from (in priority order):
// 1. Positional argument
// 2. --config / -c flag
// 3. The given default
func resolveConfigPath(cmd *cobra.Command, args []string, defaultPath string) string {
	if len(args) > 0 {
		return args[0]
	}
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	// Check parent (root) persistent flags too.
	if f := cmd.Root().PersistentFlags().Lookup("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	return defaultPath
}

// loadConfig resolves and loads the configuration. An explicitly named file
// must load; without one it falls back to ~/.parley/config.json when that
// exists and to built-in defaults otherwise.
func loadConfig(cmd *cobra.Command, args []string) (string, *config.Config, error) {
	path := resolveConfigPath(cmd, args, "")
	if path != "" {
		cfg, err := config.Load(path)
		return path, cfg, err
	}
	path = config.DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		cfg, err := config.Load(path)
		return path, cfg, err
	}
	return "", config.Default(), nil
}

// stateDir resolves the daemon state directory for the commands that only
// need to find a running daemon. Falls back to the default when no config is
// readable.
func stateDir(cmd *cobra.Command) string {
	if _, cfg, err := loadConfig(cmd, nil); err == nil {
		return cfg.Daemon.StateDir
	}
	return config.DefaultStateDir()
}
