package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/intake/config"
)

// validateCmd validates a config file without starting any consumer.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Validate an intake configuration file without connecting to any source.

This command parses the YAML, expands environment variables, and validates
all fields. It's useful for CI/CD pipelines or pre-deployment checks.

Exit codes:
  0 - Config is valid
  1 - Config is invalid (error details printed to stderr)

Example:
  intake validate -c config.yaml
  intake validate -c config.yaml --env-file .env`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = validateCmd.MarkFlagRequired("config")
}

func runValidate(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// count consumers per source type
	bySource := make(map[string]int)
	for _, cc := range cfg.Consumers {
		bySource[cc.Source.Type]++
	}

	fmt.Printf("Config is valid!\n")
	fmt.Printf("  Port:      %d\n", cfg.ServerPort())
	fmt.Printf("  Consumers: %d\n", len(cfg.Consumers))
	for _, t := range []string{
		config.SourceHTTP, config.SourceRedis, config.SourceKafka,
		config.SourceAMQP, config.SourceNATS, config.SourceMongo,
	} {
		if n := bySource[t]; n > 0 {
			fmt.Printf("    %-6s %d\n", t+":", n)
		}
	}

	return nil
}
