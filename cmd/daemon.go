package cmd

import (
	"github.com/spf13/cobra"

	"icc.tech/labcell/internal/daemon"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the labcell daemon in foreground",
	Long: `Run the daemon process in foreground.

The daemon loads configuration, initialises logging and metrics, connects
to the enabled robots, starts the command and protocol services, and
serves the local control socket. SIGTERM/SIGINT trigger graceful shutdown.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := daemon.New(configFile)
		if err != nil {
			return err
		}
		return d.Run()
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
