package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and robot status",
	Long: `Query the daemon for its overall status: version, uptime, system
state, emergency stop flag, and per-robot lifecycle states.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := newClient().Ping(context.Background()); err != nil {
			exitWithError("daemon is not running or socket is inaccessible", err)
		}
		printResult(call("daemon_status", nil))
	},
}

var robotsCmd = &cobra.Command{
	Use:   "robots",
	Short: "List registered robots and their states",
	Run: func(cmd *cobra.Command, args []string) {
		printResult(call("robot_list", nil))
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(robotsCmd)
}
