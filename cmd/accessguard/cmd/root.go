package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "accessguard",
	Short: "Access control and adaptive rate limiting engine",
	Long: `accessguard decides whether requests are allowed. It combines role policies,
access rules, behavioral detection, sliding-window rate limits, block lists
and session/device trust, and serves the decisions over HTTP.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default: ./config.yaml, ./config/config.yaml or /etc/accessguard/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(policiesCmd)
}
