// Command kauri runs one replica of a vote-aggregation-tree BFT cluster.
// It follows the Lux consensus tooling pack's cobra root-command layout
// (one subcommand per operator-facing action, parameters supplied via
// flags and an optional config file).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/relab/kauri/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "kauri",
	Short: "A pipelined, tree-aggregated BFT replication engine",
	Long: `kauri runs a replica in a chained three-phase BFT cluster with
pipelined proposals and a k-ary vote-aggregation tree, replacing the
leader's O(n) vote fan-in with O(log n) aggregation at internal tree
nodes.`,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to the cluster config file (default ~/.kauri/config.yaml)")

	rootCmd.AddCommand(
		runCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func resolveConfigPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	return config.DefaultConfigPath()
}
