package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

var (
	cmdParams   string
	cmdPriority string
	cmdTimeout  float64
	listRobot   string
	listStatus  string
	listLimit   int
)

var commandCmd = &cobra.Command{
	Use:   "command",
	Short: "Submit and inspect robot commands",
}

var commandSubmitCmd = &cobra.Command{
	Use:   "submit <robot_id> <command_type>",
	Short: "Submit a command to a robot",
	Long: `Submit a typed command. Parameters are given as a JSON object, e.g.:

  labcell command submit meca pickup_sequence -p '{"start": 0, "count": 5}'
  labcell command submit meca move -p '{"position": {"x": 135, "y": -17.6, "z": 160}}'`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		params := map[string]any{}
		if cmdParams != "" {
			if err := json.Unmarshal([]byte(cmdParams), &params); err != nil {
				exitWithError("parameters must be a JSON object", err)
			}
		}
		printResult(call("command_submit", map[string]any{
			"robot_id":        args[0],
			"command_type":    args[1],
			"parameters":      params,
			"priority":        cmdPriority,
			"timeout_seconds": cmdTimeout,
		}))
	},
}

var commandStatusCmd = &cobra.Command{
	Use:   "status <command_id>",
	Short: "Show one command's status",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		printResult(call("command_status", map[string]any{"command_id": args[0]}))
	},
}

var commandCancelCmd = &cobra.Command{
	Use:   "cancel <command_id>",
	Short: "Cancel a pending or running command",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		printResult(call("command_cancel", map[string]any{"command_id": args[0]}))
	},
}

var commandListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active and finished commands",
	Run: func(cmd *cobra.Command, args []string) {
		printResult(call("command_list", map[string]any{
			"robot_id": listRobot,
			"status":   listStatus,
			"limit":    listLimit,
		}))
	},
}

func init() {
	commandSubmitCmd.Flags().StringVarP(&cmdParams, "params", "p", "", "command parameters as JSON")
	commandSubmitCmd.Flags().StringVar(&cmdPriority, "priority", "normal", "low | normal | high | critical | emergency")
	commandSubmitCmd.Flags().Float64Var(&cmdTimeout, "timeout", 0, "command timeout in seconds (0 = default)")
	commandListCmd.Flags().StringVar(&listRobot, "robot", "", "filter by robot id")
	commandListCmd.Flags().StringVar(&listStatus, "status", "", "filter history by status")
	commandListCmd.Flags().IntVar(&listLimit, "limit", 20, "history entries to return")

	commandCmd.AddCommand(commandSubmitCmd)
	commandCmd.AddCommand(commandStatusCmd)
	commandCmd.AddCommand(commandCancelCmd)
	commandCmd.AddCommand(commandListCmd)
	rootCmd.AddCommand(commandCmd)
}
