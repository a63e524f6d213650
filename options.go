package intake

import (
	"errors"
	"log/slog"
)

// intakeConfig holds mutable state during Intake construction.
type intakeConfig struct {
	consumers       []*Consumer
	port            int
	logger          *slog.Logger
	healthCallbacks []func(Health)
}

// Option is a function that configures an [Intake] during construction.
//
// Options return an error if validation fails.
//
// Built-in options: [WithConsumer], [WithConsumers], [WithPort],
// [WithLogger], [WithHealthCallback].
type Option func(*intakeConfig) error

// WithConsumer adds a single [Consumer].
//
// Can be called multiple times. At least one consumer must be configured for
// [New] to succeed.
//
// Returns an error if the consumer is nil.
func WithConsumer(c *Consumer) Option {
	return func(cfg *intakeConfig) error {
		if c == nil {
			return errors.New("consumer cannot be nil")
		}
		cfg.consumers = append(cfg.consumers, c)
		return nil
	}
}

// WithConsumers adds several consumers. Equivalent to calling [WithConsumer]
// for each.
func WithConsumers(consumers ...*Consumer) Option {
	return func(cfg *intakeConfig) error {
		for _, c := range consumers {
			if c == nil {
				return errors.New("consumer cannot be nil")
			}
		}
		cfg.consumers = append(cfg.consumers, consumers...)
		return nil
	}
}

// WithPort sets the port of the health server. Zero disables the server.
// Defaults to 8080.
//
// Example:
//
//	in, err := intake.New(
//	    intake.WithConsumer(c),
//	    intake.WithPort(9090),
//	)
//
// Returns an error if the port is outside the range 0-65535.
func WithPort(port int) Option {
	return func(cfg *intakeConfig) error {
		if port < 0 || port > 65535 {
			return errors.New("port must be between 0 and 65535")
		}
		cfg.port = port
		return nil
	}
}

// WithLogger sets a custom [slog.Logger] for the Intake.
//
// If not specified, [slog.Default] is used. Consumers keep the logger they
// were created with.
//
// Returns an error if the logger is nil.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *intakeConfig) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithHealthCallback registers a function called with every consumer health
// update, after the update is stored.
//
// Callbacks run on the goroutine that produced the update, usually a poll
// goroutine, and must not block. Panics are recovered and logged.
//
// Example:
//
//	in, err := intake.New(
//	    intake.WithConsumer(c),
//	    intake.WithHealthCallback(func(h intake.Health) {
//	        if h.State == intake.HealthDown {
//	            log.Printf("ALERT: %s is failing: %v", h.Consumer, h.LastError)
//	        }
//	    }),
//	)
//
// Nil callbacks are silently ignored.
func WithHealthCallback(cb func(Health)) Option {
	return func(cfg *intakeConfig) error {
		if cb == nil {
			return nil
		}
		cfg.healthCallbacks = append(cfg.healthCallbacks, cb)
		return nil
	}
}
