package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	logLevel   string
	logConsole bool
)

var rootCmd = &cobra.Command{
	Use:   "antientropy",
	Short: "Anti-entropy repair for a replicated key-value store",
	Long: `A replicated key-value store node that repairs divergent replicas with
merkle tree comparison and streaming, Cassandra style: prepare, snapshot,
validate, sync and, for incremental repairs, anti-compaction.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logConsole, "log-console", true, "Human readable logs instead of JSON")
}
