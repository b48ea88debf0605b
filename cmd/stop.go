package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Shut the daemon down gracefully",
	Run: func(cmd *cobra.Command, args []string) {
		call("daemon_shutdown", nil)
		fmt.Println("✓ Shutdown requested")
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause all robot operations",
	Run: func(cmd *cobra.Command, args []string) {
		printResult(call("pause_all", nil))
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume all paused robot operations",
	Run: func(cmd *cobra.Command, args []string) {
		printResult(call("resume_all", nil))
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
}
