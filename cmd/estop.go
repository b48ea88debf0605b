package cmd

import (
	"github.com/spf13/cobra"
)

var (
	estopRobot  string
	estopReason string
)

var estopCmd = &cobra.Command{
	Use:   "estop",
	Short: "Trigger an emergency stop",
	Long: `Trigger an emergency stop for the whole cell, or a single robot with
--robot. The stop fans out to every robot in parallel with a hard per-task
timeout; sequence resume state is preserved for quick recovery.`,
	Run: func(cmd *cobra.Command, args []string) {
		printResult(call("estop", map[string]any{
			"robot_id": estopRobot,
			"reason":   estopReason,
		}))
	},
}

var estopResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear the emergency stop",
	Long: `Clear the latched emergency stop. Refused while any stopped robot has
not been brought to a safe state (disconnected, idle, or maintenance).
Paused sequences survive the reset and drive the next quick recovery.`,
	Run: func(cmd *cobra.Command, args []string) {
		printResult(call("estop_reset", map[string]any{"robot_id": estopRobot}))
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover <robot_id>",
	Short: "Resume an interrupted sequence after an emergency stop",
	Long: `Resume the robot's interrupted wafer sequence. The emergency stop must
already be cleared. Driver recovery (error reset, motion queue flush)
runs first, then the sequence re-enters at the exact interrupted command.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		printResult(call("quick_recovery", map[string]any{"robot_id": args[0]}))
	},
}

func init() {
	estopCmd.Flags().StringVar(&estopRobot, "robot", "", "stop only this robot")
	estopCmd.Flags().StringVar(&estopReason, "reason", "operator request", "reason recorded with the stop")
	estopResetCmd.Flags().StringVar(&estopRobot, "robot", "", "reset only this robot")
	estopCmd.AddCommand(estopResetCmd)
	rootCmd.AddCommand(estopCmd)
	rootCmd.AddCommand(recoverCmd)
}
