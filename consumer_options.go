package intake

import (
	"errors"
	"log/slog"
	"time"

	"github.com/jpalmerr/intake/exchange"
)

const (
	defaultInitialDelay = time.Second
	defaultDelay        = 500 * time.Millisecond
)

// consumerConfig holds mutable state during consumer construction.
type consumerConfig struct {
	initialDelay  time.Duration
	delay         time.Duration
	useFixedDelay bool

	backoffMultiplier     int
	backoffIdleThreshold  int
	backoffErrorThreshold int

	repeatCount              int64
	greedy                   bool
	sendEmptyMessageWhenIdle bool
	startScheduler           bool

	strategy  PollStrategy
	scheduler Scheduler
	handler   ExceptionHandler
	processor Processor
	factory   exchange.Factory
	logger    *slog.Logger
	listeners []func(Health)
}

// ConsumerOption is a function that configures a [Consumer] during construction.
//
// Options return an error if the value is out of range. Cross-option checks,
// such as backoff thresholds, are made by [Consumer.Init].
type ConsumerOption func(*consumerConfig) error

// WithInitialDelay sets the wait before the first poll. Defaults to 1 second.
//
// Returns an error if the duration is negative.
func WithInitialDelay(d time.Duration) ConsumerOption {
	return func(cfg *consumerConfig) error {
		if d < 0 {
			return errors.New("initial delay cannot be negative")
		}
		cfg.initialDelay = d
		return nil
	}
}

// WithDelay sets the time between polls. Defaults to 500 milliseconds.
//
// Returns an error if the duration is zero or negative.
func WithDelay(d time.Duration) ConsumerOption {
	return func(cfg *consumerConfig) error {
		if d <= 0 {
			return errors.New("delay must be positive")
		}
		cfg.delay = d
		return nil
	}
}

// WithFixedDelay selects how the delay is measured. When true (the default)
// the next poll starts delay after the previous one completed; when false it
// starts delay after the previous one started.
func WithFixedDelay(fixed bool) ConsumerOption {
	return func(cfg *consumerConfig) error {
		cfg.useFixedDelay = fixed
		return nil
	}
}

// WithBackoffMultiplier enables backoff: once the idle or error threshold is
// reached, the consumer skips the next multiplier-1 scheduled polls.
// At least one of [WithBackoffIdleThreshold] and [WithBackoffErrorThreshold]
// must also be set.
func WithBackoffMultiplier(n int) ConsumerOption {
	return func(cfg *consumerConfig) error {
		if n < 0 {
			return errors.New("backoff multiplier cannot be negative")
		}
		cfg.backoffMultiplier = n
		return nil
	}
}

// WithBackoffIdleThreshold sets the number of consecutive idle polls that
// triggers backoff. Zero disables the idle trigger.
func WithBackoffIdleThreshold(n int) ConsumerOption {
	return func(cfg *consumerConfig) error {
		if n < 0 {
			return errors.New("backoff idle threshold cannot be negative")
		}
		cfg.backoffIdleThreshold = n
		return nil
	}
}

// WithBackoffErrorThreshold sets the number of consecutive failed polls that
// triggers backoff. Zero disables the error trigger.
func WithBackoffErrorThreshold(n int) ConsumerOption {
	return func(cfg *consumerConfig) error {
		if n < 0 {
			return errors.New("backoff error threshold cannot be negative")
		}
		cfg.backoffErrorThreshold = n
		return nil
	}
}

// WithRepeatCount stops scheduling after n poll cycles. Zero (the default)
// polls forever.
func WithRepeatCount(n int64) ConsumerOption {
	return func(cfg *consumerConfig) error {
		if n < 0 {
			return errors.New("repeat count cannot be negative")
		}
		cfg.repeatCount = n
		return nil
	}
}

// WithGreedy makes the consumer poll again immediately, within the same
// cycle, as long as the previous poll returned messages.
func WithGreedy(greedy bool) ConsumerOption {
	return func(cfg *consumerConfig) error {
		cfg.greedy = greedy
		return nil
	}
}

// WithSendEmptyMessageWhenIdle makes the consumer dispatch one empty exchange
// when a poll returns no messages.
func WithSendEmptyMessageWhenIdle(send bool) ConsumerOption {
	return func(cfg *consumerConfig) error {
		cfg.sendEmptyMessageWhenIdle = send
		return nil
	}
}

// WithStartScheduler controls whether [Consumer.Start] starts the scheduler.
// Defaults to true. When false, call [Consumer.StartScheduler] explicitly.
func WithStartScheduler(start bool) ConsumerOption {
	return func(cfg *consumerConfig) error {
		cfg.startScheduler = start
		return nil
	}
}

// WithPollStrategy sets the [PollStrategy]. Defaults to [DefaultPollStrategy].
//
// Returns an error if the strategy is nil.
func WithPollStrategy(s PollStrategy) ConsumerOption {
	return func(cfg *consumerConfig) error {
		if s == nil {
			return errors.New("poll strategy cannot be nil")
		}
		cfg.strategy = s
		return nil
	}
}

// WithScheduler replaces the built-in timer. The cadence options
// ([WithInitialDelay], [WithDelay], [WithFixedDelay]) only configure the
// built-in timer.
//
// Returns an error if the scheduler is nil.
func WithScheduler(s Scheduler) ConsumerOption {
	return func(cfg *consumerConfig) error {
		if s == nil {
			return errors.New("scheduler cannot be nil")
		}
		cfg.scheduler = s
		return nil
	}
}

// WithExceptionHandler sets the handler for surfaced poll failures and
// failed exchanges. Defaults to [NewLoggingExceptionHandler].
//
// Returns an error if the handler is nil.
func WithExceptionHandler(h ExceptionHandler) ConsumerOption {
	return func(cfg *consumerConfig) error {
		if h == nil {
			return errors.New("exception handler cannot be nil")
		}
		cfg.handler = h
		return nil
	}
}

// WithProcessor sets the [Processor] that receives dispatched exchanges.
// Defaults to a processor that accepts everything.
//
// Returns an error if the processor is nil.
func WithProcessor(p Processor) ConsumerOption {
	return func(cfg *consumerConfig) error {
		if p == nil {
			return errors.New("processor cannot be nil")
		}
		cfg.processor = p
		return nil
	}
}

// WithExchangeFactory sets the factory exchanges are created from.
// Defaults to a non-pooled factory using the endpoint's pattern.
//
// Example:
//
//	c, err := intake.NewConsumer(ep, poller,
//	    intake.WithExchangeFactory(exchange.NewPooledFactory(64)),
//	)
//
// Returns an error if the factory is nil.
func WithExchangeFactory(f exchange.Factory) ConsumerOption {
	return func(cfg *consumerConfig) error {
		if f == nil {
			return errors.New("exchange factory cannot be nil")
		}
		cfg.factory = f
		return nil
	}
}

// WithConsumerLogger sets a custom [slog.Logger] for the consumer.
// If not specified, [slog.Default] is used.
//
// Returns an error if the logger is nil.
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(cfg *consumerConfig) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithHealthListener registers a function called with a fresh [Health]
// snapshot after every poll cycle and lifecycle transition.
//
// Listeners run on the goroutine that caused the change, usually the poll
// goroutine, and must not block. Panics are recovered and logged.
//
// Nil listeners are silently ignored.
func WithHealthListener(l func(Health)) ConsumerOption {
	return func(cfg *consumerConfig) error {
		if l == nil {
			return nil
		}
		cfg.listeners = append(cfg.listeners, l)
		return nil
	}
}
