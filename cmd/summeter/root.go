package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "summeter",
	Short: "Usage accounting and admission control for metered APIs",
	Long: `Summeter meters API usage against subscription plans.

It answers "may this call proceed" before work starts, records the call
as a pending event, and settles it when the caller reports the outcome.
Quota windows, volume pricing, and stale-event cleanup are handled for
you.

Quick start:
  summeter init      # Interactive setup wizard
  summeter serve     # Start the metering engine
  summeter validate  # Validate configuration

Inspection:
  summeter plans     # Inspect the plan catalog
  summeter usage     # View per-user usage`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	// A .env file supplies SUMMETER_* variables in development.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "summeter.yaml", "config file path")
}
