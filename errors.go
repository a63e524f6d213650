package intake

import (
	"errors"
	"log/slog"

	"github.com/jpalmerr/intake/exchange"
)

var (
	// ErrInvalidConfig is returned by [Consumer.Init] when the consumer
	// configuration cannot work, for example a backoff multiplier without any
	// backoff threshold.
	ErrInvalidConfig = errors.New("intake: invalid consumer configuration")

	// ErrNilPoller is returned by [NewConsumer] when no poller is given.
	ErrNilPoller = errors.New("intake: poller cannot be nil")

	// ErrFailed is returned when a lifecycle call is made on a consumer whose
	// earlier transition failed.
	ErrFailed = errors.New("intake: consumer has failed")

	// ErrShutdown is returned when starting a consumer that has been shut down.
	ErrShutdown = errors.New("intake: consumer is shut down")
)

// ResponseCoder is implemented by poll errors that carry a protocol response
// code, such as an HTTP status. The code is reported in the consumer's
// last error details under "response_code".
type ResponseCoder interface {
	ResponseCode() int
}

// Detailer is implemented by poll errors that carry structured details for
// health reporting.
type Detailer interface {
	Details() map[string]any
}

// errorDetails extracts the health details of a surfaced poll failure.
// It returns nil when the error exposes none.
func errorDetails(err error) map[string]any {
	var details map[string]any

	var rc ResponseCoder
	if errors.As(err, &rc) {
		details = map[string]any{"response_code": rc.ResponseCode()}
	}

	var d Detailer
	if errors.As(err, &d) {
		for k, v := range d.Details() {
			if details == nil {
				details = make(map[string]any)
			}
			details[k] = v
		}
	}
	return details
}

// ExceptionHandler receives failures the consumer cannot hand back to a
// caller: surfaced poll failures and failed exchanges. The exchange is nil
// for poll failures.
type ExceptionHandler interface {
	HandleException(msg string, ex *exchange.Exchange, err error)
}

// ExceptionHandlerFunc adapts a function to [ExceptionHandler].
type ExceptionHandlerFunc func(msg string, ex *exchange.Exchange, err error)

// HandleException calls f(msg, ex, err).
func (f ExceptionHandlerFunc) HandleException(msg string, ex *exchange.Exchange, err error) {
	f(msg, ex, err)
}

type loggingExceptionHandler struct {
	logger *slog.Logger
}

// NewLoggingExceptionHandler returns the default [ExceptionHandler], which
// logs every failure at Warn level. A nil logger uses [slog.Default].
func NewLoggingExceptionHandler(logger *slog.Logger) ExceptionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &loggingExceptionHandler{logger: logger}
}

func (h *loggingExceptionHandler) HandleException(msg string, ex *exchange.Exchange, err error) {
	attrs := []any{"error", err}
	if ex != nil {
		attrs = append(attrs, "exchange_id", ex.ID(), "endpoint", ex.Endpoint())
	}
	h.logger.Warn(msg, attrs...)
}
