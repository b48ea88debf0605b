// Package main is the entry point for the labcell control plane daemon.
package main

import (
	"fmt"
	"os"

	"icc.tech/labcell/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
