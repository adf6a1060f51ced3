// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "bullshark",
	Short: "Tools for running and inspecting the Bullshark commit-rule engine",
	Long: `bullshark drives the deterministic total-ordering engine standalone,
outside of any networking stack: it can replay a synthetic DAG through the
commit rule to check for determinism, and validate a committee configuration
before it is handed to a running engine.`,
}

func main() {
	rootCmd.AddCommand(
		simulateCmd(),
		checkCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
