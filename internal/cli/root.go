// Package cli provides the banditd command-line interface: the daemon
// entrypoint, experiment lifecycle administration, and the offline
// replay tools (load-logs, select-window, replay).
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgPath string

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to banditd.toml (defaults built in if omitted)")
}

var rootCmd = &cobra.Command{
	Use:   "banditd",
	Short: "Multi-armed bandit experimentation runtime",
	Long: `banditd serves recommendation-policy traffic, attributes downstream
rewards back to the serving policy, monitors guardrails, and evaluates
ship/kill/iterate decisions for running experiments.`,
}

// Execute runs the root command, exiting the process with status 1 on
// error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
