package cmd

import (
	"github.com/spf13/cobra"

	"github.com/parley-ai/parley/internal/wizard"
	"github.com/parley-ai/parley/pkg/cli"
)

func newInitCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a config file through the interactive wizard",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return wizard.New(cli.DefaultPrompter()).Run(output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "config file path (default ~/.parley/config.json)")
	return cmd
}
