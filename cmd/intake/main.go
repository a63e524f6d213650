// Package main is the entry point for the intake CLI.
//
// intake can be run either as a library (SDK) or as a standalone binary
// with YAML configuration. This CLI provides the standalone binary approach.
//
// Usage:
//
//	intake run -c config.yaml                  # Start polling
//	intake run -c config.yaml --env-file .env  # Load .env first
//	intake validate -c config.yaml             # Validate configuration
//	intake version                             # Show version info
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version information - set by GoReleaser at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootCmd is the base command when called without subcommands.
// It just displays help - actual functionality is in subcommands.
var rootCmd = &cobra.Command{
	Use:   "intake",
	Short: "Scheduled polling consumers for queues, topics and HTTP endpoints",
	Long: `intake runs scheduled polling consumers.

Each consumer polls a source (HTTP, Redis, Kafka, RabbitMQ, NATS JetStream
or MongoDB) on a timer, hands every message to a processor inside a unit of
work, and acknowledges it once processing completes. Consumer health is
served over HTTP.

Quick start:
  1. Create a config file (intake.yaml)
  2. Run: intake run -c intake.yaml
  3. Check http://localhost:8080/api/consumers

Example config:
  port: 8080
  consumers:
    - name: jobs
      source:
        type: redis
        url: redis://localhost:6379/0
        key: jobs
      delay: 500`,
	PersistentPreRunE: loadEnvFile,
	SilenceUsage:      true,
}

// loadEnvFile loads the --env-file, if given, before any subcommand runs.
// Variables already set in the environment win.
func loadEnvFile(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("env-file")
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// Execute runs the root command.
// This is the main entry point called from main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		// Cobra already prints the error, just exit with code 1
		os.Exit(1)
	}
}

func main() {
	Execute()
}

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version, commit hash, and build date of this intake binary.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("intake %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().String("env-file", "", "path to a .env file loaded before the config")
	rootCmd.AddCommand(versionCmd)
}
