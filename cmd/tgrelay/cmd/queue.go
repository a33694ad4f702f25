package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"tgrelay/internal/app"
	"tgrelay/internal/relay"
)

var (
	drainSize int
	drainAll  bool
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect or drain the pending queue without starting the intake.",
}

var queueCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Print the number of queued notifications.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runDrain(cmd, relay.ModeCount, 0)
	},
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Redeliver queued notifications, oldest first.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if drainAll && cmd.Flags().Changed("size") {
			return fmt.Errorf("--all and --size are mutually exclusive")
		}
		if drainAll {
			return runDrain(cmd, relay.ModeAll, 0)
		}
		if drainSize < 0 {
			return fmt.Errorf("--size must be >= 0")
		}
		return runDrain(cmd, relay.ModeBatch, drainSize)
	},
}

func init() {
	queueDrainCmd.Flags().IntVarP(&drainSize, "size", "n", 0, "batch size (0 means relay.drain_batch)")
	queueDrainCmd.Flags().BoolVar(&drainAll, "all", false, "drain the whole queue")
	queueCmd.AddCommand(queueCountCmd, queueDrainCmd)
}

func runDrain(cmd *cobra.Command, mode string, size int) error {
	core, err := app.OpenCore(configPath)
	if err != nil {
		return err
	}
	defer core.Close()

	rep, err := core.Relay.DrainStatus(cmd.Context(), mode, size)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}
