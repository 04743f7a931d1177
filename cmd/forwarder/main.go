package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "forwarder",
	Short: "TelHawk telemetry forwarder",
	Long: `forwarder is the TelHawk edge telemetry shipping agent.

It tails log files and journal exports, enriches events through a
configurable extraction pipeline, routes them by label predicates, and
ships batches to one or more backends with per-sink retry, health
tracking, and overflow spill.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: $FORWARDER_CONFIG or /etc/telhawk/forwarder.yaml)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)
}
