package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/intake"
	"github.com/jpalmerr/intake/config"
	"github.com/jpalmerr/intake/exchange"
)

const (
	shutdownTimeout = 10 * time.Second
)

// newLogger creates a JSON logger for CLI use.
func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// runCmd starts every configured consumer.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the configured consumers",
	Long: `Start every consumer in the configuration file.

The process will:
  - Load configuration from the specified YAML file
  - Return in-flight messages to their queue for sources with recover set
  - Start a polling consumer per configured source
  - Log every received message
  - Serve consumer health on the configured port

It runs until interrupted (Ctrl+C) or receives SIGTERM, then stops polling,
waits for polls in progress and closes source connections.

Example:
  intake run -c config.yaml
  intake run -c config.yaml --env-file .env --log-level debug`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	runCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	_ = runCmd.MarkFlagRequired("config")
}

func runRun(cmd *cobra.Command, args []string) error {
	var level slog.Level
	levelFlag, _ := cmd.Flags().GetString("log-level")
	if err := level.UnmarshalText([]byte(levelFlag)); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logger := newLogger(level)

	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger.Info("config loaded",
		"consumers", len(cfg.Consumers),
		"port", cfg.ServerPort(),
	)

	consumers, sources, err := config.BuildConsumers(cfg, logProcessor(logger), logger)
	if err != nil {
		return fmt.Errorf("failed to build consumers: %w", err)
	}
	defer func() {
		if err := config.CloseSources(sources); err != nil {
			logger.Warn("failed to close sources", "error", err)
		}
	}()

	// set up context with signal handling - cancel on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := config.RecoverSources(ctx, cfg, sources, logger); err != nil {
		return fmt.Errorf("failed to recover sources: %w", err)
	}

	in, err := intake.New(
		intake.WithConsumers(consumers...),
		intake.WithPort(cfg.ServerPort()),
		intake.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("failed to create intake: %w", err)
	}

	// start consumers - blocks until context cancelled
	errChan := make(chan error, 1)
	go func() {
		errChan <- in.Start(ctx)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("intake error: %w", err)
		}
		logger.Info("shutdown complete")
		return nil

	case <-ctx.Done():
		// signal received, wait for graceful shutdown with timeout
		select {
		case err := <-errChan:
			if err != nil {
				return fmt.Errorf("intake error: %w", err)
			}
			logger.Info("shutdown complete")
			return nil
		case <-time.After(shutdownTimeout):
			logger.Warn("shutdown timed out",
				"timeout", shutdownTimeout.String(),
				"action", "forcing exit",
			)
			return nil
		}
	}
}

// logProcessor logs every received exchange. It is the processor used when
// intake runs from a config file.
func logProcessor(logger *slog.Logger) intake.Processor {
	return intake.ProcessorFunc(func(_ context.Context, ex *exchange.Exchange) error {
		attrs := []any{
			"endpoint", ex.Endpoint(),
			"exchange_id", ex.ID(),
			"message_id", ex.In().MessageID(),
			"headers", len(ex.In().Headers()),
		}
		if body, ok := exchange.BodyBytes(ex.In()); ok {
			attrs = append(attrs, "body_size", len(body))
		}
		if empty, _ := ex.InternalProperty(exchange.PropertyEmptyPoll); empty == true {
			attrs = append(attrs, "empty_poll", true)
		}
		logger.Info("message received", attrs...)
		return nil
	})
}
