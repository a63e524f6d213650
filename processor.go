package intake

import (
	"context"

	"github.com/jpalmerr/intake/exchange"
	"github.com/jpalmerr/intake/uow"
)

// Poller is the connector-specific half of a polling consumer.
//
// Poll fetches whatever the source has available, hands each message to
// d.Dispatch, and returns the number of messages handled. A poll that finds
// no data returns 0 and a nil error; errors are reserved for genuine
// failures and enter the consumer's retry and backoff handling.
//
// Poll is always called from the consumer's single poll goroutine.
type Poller interface {
	Poll(ctx context.Context, d Dispatcher) (int, error)
}

// PollerFunc adapts a function to [Poller].
type PollerFunc func(ctx context.Context, d Dispatcher) (int, error)

// Poll calls f(ctx, d).
func (f PollerFunc) Poll(ctx context.Context, d Dispatcher) (int, error) {
	return f(ctx, d)
}

// Dispatcher is the consumer API available to a [Poller].
type Dispatcher interface {
	// Endpoint returns the endpoint being polled.
	Endpoint() Endpoint

	// Dispatch creates an exchange, lets prepare populate it, registers syncs
	// on its unit of work, hands it to the consumer's [Processor] and
	// finalizes it. The exchange must not be retained after prepare returns
	// control to Dispatch.
	//
	// The processor's error is recorded on the exchange, reported to the
	// consumer's [ExceptionHandler] and returned.
	Dispatch(ctx context.Context, prepare func(ex *exchange.Exchange), syncs ...uow.Synchronization) error
}

// Processor receives every exchange a consumer dispatches.
// Routing and transformation happen behind this interface.
type Processor interface {
	Process(ctx context.Context, ex *exchange.Exchange) error
}

// ProcessorFunc adapts a function to [Processor].
type ProcessorFunc func(ctx context.Context, ex *exchange.Exchange) error

// Process calls f(ctx, ex).
func (f ProcessorFunc) Process(ctx context.Context, ex *exchange.Exchange) error {
	return f(ctx, ex)
}

// noopProcessor accepts every exchange.
var noopProcessor = ProcessorFunc(func(context.Context, *exchange.Exchange) error { return nil })
