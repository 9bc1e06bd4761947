package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "meterproxy",
	Short: "Metering reverse proxy for LLM APIs",
	Long: `meterproxy sits in front of an LLM API. Every request is authenticated
by API key, recorded before it is forwarded, answered from a content-addressed
cache when possible, and finalized with prompt and completion token counts.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default ./configs/config.yaml)")
}
