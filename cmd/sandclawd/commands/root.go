// Package commands implements the sandclawd CLI using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sandclawd",
		Short: "Sandclaw — messaging-driven agent orchestrator",
		Long: `Sandclaw routes chat messages from Telegram, WhatsApp, and Discord to
isolated sandboxed agent processes, streams their output back to the
channel, and runs scheduled prompts for registered groups.

Examples:
  sandclawd serve
  sandclawd serve --config ./sandclaw.yaml
  sandclawd setup
  sandclawd print-config`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newSetupCmd(),
		newPrintConfigCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "config/sandclaw.yaml", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
