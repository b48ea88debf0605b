package cmd

import (
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show locks and circuit breakers",
	Long:  "Show currently held resource locks and the state of every circuit breaker.",
	Run: func(cmd *cobra.Command, args []string) {
		printResult(map[string]any{
			"locks":    call("lock_list", nil),
			"breakers": call("breaker_list", nil),
		})
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
