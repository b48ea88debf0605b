// Package cmd implements CLI commands using cobra.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"icc.tech/labcell/internal/control"
)

var (
	configFile string
	socketPath string
)

var rootCmd = &cobra.Command{
	Use:   "labcell",
	Short: "Labcell - wafer cell multi-robot control plane",
	Long: `Labcell coordinates the robots of a wafer processing cell: a 6-axis
arm, a liquid handler, and ancillary devices. It queues and validates
commands, executes multi-wafer sequences with per-command resume after an
emergency stop, and runs multi-robot protocols.

Local control goes through a Unix domain socket; the daemon exposes
Prometheus metrics and structured logs.`,
	Version: "0.3.0",
}

// Execute runs the root command. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/labcell/config.yml",
		"config file path")
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "/var/run/labcell.sock",
		"daemon socket path")
}

// newClient builds the control channel client for CLI commands.
func newClient() *control.Client {
	return control.NewClient(socketPath, 10*time.Second)
}

// printResult renders a control channel result as indented JSON.
func printResult(result any) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		exitWithError("failed to format result", err)
	}
	fmt.Println(string(data))
}

// exitWithError prints an error message and exits with code 1.
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}

// call performs one control method and exits on transport or method error.
func call(method string, params any) any {
	resp, err := newClient().Call(context.Background(), method, params)
	if err != nil {
		exitWithError("daemon is not running or socket is inaccessible", err)
	}
	if resp.Error != nil {
		exitWithError(fmt.Sprintf("%s failed: %s", method, resp.Error.Message), nil)
	}
	return resp.Result
}
