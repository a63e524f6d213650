package intake

import (
	"errors"

	"github.com/jpalmerr/intake/exchange"
)

// endpointConfig holds mutable state during endpoint construction.
type endpointConfig struct {
	labels  map[string]string
	pattern exchange.Pattern
}

// EndpointOption is a function that configures an [Endpoint] during construction.
//
// Options return an error if validation fails.
//
// Built-in options: [WithLabels], [WithExchangePattern].
type EndpointOption func(*endpointConfig) error

// WithLabels adds metadata labels to the endpoint.
//
// Labels are key-value pairs reported with consumer health (e.g. by
// environment, team, or broker). Accepts variadic key-value pairs; the number
// of arguments must be even.
//
// Example:
//
//	ep, err := intake.NewEndpoint("orders", uri,
//	    intake.WithLabels("env", "production", "team", "payments"),
//	)
//
// Returns an error if an odd number of arguments is provided.
func WithLabels(keyValues ...string) EndpointOption {
	return func(cfg *endpointConfig) error {
		if len(keyValues)%2 != 0 {
			return errors.New("WithLabels requires an even number of arguments (key-value pairs)")
		}
		for i := 0; i < len(keyValues); i += 2 {
			cfg.labels[keyValues[i]] = keyValues[i+1]
		}
		return nil
	}
}

// WithExchangePattern sets the pattern exchanges from this endpoint start
// with. Defaults to [exchange.InOnly].
func WithExchangePattern(p exchange.Pattern) EndpointOption {
	return func(cfg *endpointConfig) error {
		if p != exchange.InOnly && p != exchange.InOut {
			return errors.New("unknown exchange pattern")
		}
		cfg.pattern = p
		return nil
	}
}
