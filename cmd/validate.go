package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"icc.tech/labcell/internal/config"
	"icc.tech/labcell/internal/protocol"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long: `Load and validate the configuration file without starting the daemon.
Also validates every protocol template found in the protocols directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Configuration %s is valid\n", configFile)

		templates, err := protocol.LoadTemplateDir(cfg.Protocols.Directory)
		if err != nil {
			return err
		}
		for id := range templates {
			fmt.Printf("✓ Protocol template %q is valid\n", id)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
