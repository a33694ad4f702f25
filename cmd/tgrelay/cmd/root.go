// Package cmd holds the tgrelay command tree.
package cmd

import (
	"github.com/spf13/cobra"
)

var configPath string

var RootCmd = &cobra.Command{
	Use:          "tgrelay",
	Short:        "Telegram notification relay with a persistent delivery queue.",
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./config.json", "path to config (json or yaml)")
	RootCmd.DisableAutoGenTag = true

	RootCmd.AddCommand(serveCmd, queueCmd)
}
