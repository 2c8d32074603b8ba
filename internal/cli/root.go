// Package cli implements the taskwarden command line.
package cli

import (
	"github.com/spf13/cobra"
)

const defaultConfigPath = "./config.yaml"

// NewRootCmd creates the root cobra command.
func NewRootCmd(version string) *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "taskwarden",
		Short:         "Run commands and systemd unit jobs on a schedule",
		Long:          "taskwarden schedules configured tasks onto a fixed pool of workers.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", defaultConfigPath, "path to config (json or yaml)")

	root.AddCommand(
		newRunCmd(&cfgPath, version),
		newValidateCmd(&cfgPath),
		newVersionCmd(version),
	)
	return root
}
