package intake

import (
	"errors"
	"net/url"

	"github.com/jpalmerr/intake/exchange"
)

// Endpoint identifies the external system a [Consumer] polls.
//
// Endpoint is an immutable value type. Create endpoints using [NewEndpoint]
// with optional configuration via [EndpointOption] functions. The URI is
// stamped on every exchange the consumer creates; labels are reported with
// the consumer's health.
type Endpoint struct {
	name    string
	uri     string
	labels  map[string]string
	pattern exchange.Pattern
}

// Name returns the endpoint's display name.
func (e Endpoint) Name() string {
	return e.name
}

// URI returns the endpoint URI, for example "redis://localhost:6379/orders".
func (e Endpoint) URI() string {
	return e.uri
}

// Labels returns a copy of the endpoint's metadata labels.
//
// The returned map is a copy; modifying it does not affect the Endpoint.
func (e Endpoint) Labels() map[string]string {
	return copyMap(e.labels)
}

// Pattern returns the pattern exchanges from this endpoint start with.
func (e Endpoint) Pattern() exchange.Pattern {
	return e.pattern
}

// NewEndpoint creates a new [Endpoint] with the given name and URI.
//
// The name must be non-empty and the URI must carry a scheme
// ("kafka:orders", "redis://host:6379/queue"). Options are applied in order.
//
// Example:
//
//	ep, err := intake.NewEndpoint("orders", "redis://localhost:6379/orders",
//	    intake.WithLabels("team", "payments"),
//	)
func NewEndpoint(name, uri string, opts ...EndpointOption) (Endpoint, error) {
	if name == "" {
		return Endpoint{}, errors.New("endpoint name cannot be empty")
	}

	parsed, err := url.Parse(uri)
	if err != nil {
		return Endpoint{}, errors.New("invalid endpoint URI: " + err.Error())
	}
	if parsed.Scheme == "" {
		return Endpoint{}, errors.New("endpoint URI must have a scheme (e.g. kafka:topic)")
	}

	cfg := &endpointConfig{
		labels:  make(map[string]string),
		pattern: exchange.InOnly,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return Endpoint{}, err
		}
	}

	return Endpoint{
		name:    name,
		uri:     uri,
		labels:  cfg.labels,
		pattern: cfg.pattern,
	}, nil
}

// copyMap returns a shallow copy of the map.
func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
