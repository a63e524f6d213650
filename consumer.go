package intake

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/jpalmerr/intake/exchange"
	"github.com/jpalmerr/intake/uow"
)

// Consumer turns scheduler ticks into poll cycles against one [Endpoint].
//
// A Consumer is created with [NewConsumer] and driven through its lifecycle
// with [Consumer.Init], [Consumer.Start], [Consumer.Suspend],
// [Consumer.Resume], [Consumer.Stop] and [Consumer.Shutdown]. Each poll cycle
// applies backoff, asks the [PollStrategy] to begin, calls the [Poller],
// commits or rolls back, and updates the counters reported by
// [Consumer.Health].
//
// Poll cycles never overlap. Counters are written only by the poll goroutine
// and may be read from any goroutine. Lifecycle methods are safe for
// concurrent use; Shutdown must not be called from inside a poll.
type Consumer struct {
	endpoint  Endpoint
	poller    Poller
	processor Processor
	factory   exchange.Factory
	uow       *uow.Manager
	strategy  PollStrategy
	handler   ExceptionHandler
	logger    *slog.Logger
	cfg       consumerConfig

	lmu       sync.RWMutex
	listeners []func(Health)

	// mu serializes lifecycle transitions
	mu        sync.Mutex
	status    atomic.Int32
	scheduler Scheduler
	ctx       context.Context

	idleCounter    atomic.Int64
	errorCounter   atomic.Int64
	successCounter atomic.Int64
	backoffCounter atomic.Int64
	pollCounter    atomic.Int64
	lastFailure    atomic.Pointer[pollFailure]
	firstPollDone  atomic.Bool
	forceReady     atomic.Bool
	polling        atomic.Bool
}

// NewConsumer creates a [Consumer] polling endpoint through poller.
//
// Defaults:
//   - Initial delay: 1 second
//   - Delay: 500 milliseconds, fixed delay
//   - No backoff, no repeat limit, not greedy
//   - Scheduler started by [Consumer.Start]
//
// Returns [ErrNilPoller] if poller is nil, or an error if any option is invalid.
//
// Example:
//
//	c, err := intake.NewConsumer(ep, poller,
//	    intake.WithDelay(2*time.Second),
//	    intake.WithBackoffMultiplier(5),
//	    intake.WithBackoffIdleThreshold(3),
//	    intake.WithProcessor(intake.ProcessorFunc(handle)),
//	)
func NewConsumer(endpoint Endpoint, poller Poller, opts ...ConsumerOption) (*Consumer, error) {
	if poller == nil {
		return nil, ErrNilPoller
	}
	if endpoint.Name() == "" {
		return nil, fmt.Errorf("%w: endpoint must be created with NewEndpoint", ErrInvalidConfig)
	}

	cfg := consumerConfig{
		initialDelay:   defaultInitialDelay,
		delay:          defaultDelay,
		useFixedDelay:  true,
		startScheduler: true,
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("consumer", endpoint.Name())

	c := &Consumer{
		endpoint:  endpoint,
		poller:    poller,
		processor: cfg.processor,
		factory:   cfg.factory,
		strategy:  cfg.strategy,
		handler:   cfg.handler,
		logger:    logger,
		listeners: cfg.listeners,
		scheduler: cfg.scheduler,
		uow:       uow.NewManager(logger),
		cfg:       cfg,
	}
	if c.processor == nil {
		c.processor = noopProcessor
	}
	if c.factory == nil {
		c.factory = exchange.NewPrototypeFactory(exchange.WithPattern(endpoint.Pattern()))
	}
	if c.strategy == nil {
		c.strategy = DefaultPollStrategy{}
	}
	if c.handler == nil {
		c.handler = NewLoggingExceptionHandler(logger)
	}
	c.status.Store(int32(StatusCreated))
	return c, nil
}

// Endpoint returns the endpoint being polled.
func (c *Consumer) Endpoint() Endpoint {
	return c.endpoint
}

// Factory returns the exchange factory.
func (c *Consumer) Factory() exchange.Factory {
	return c.factory
}

// Status returns the lifecycle status.
func (c *Consumer) Status() ServiceStatus {
	return ServiceStatus(c.status.Load())
}

func (c *Consumer) setStatus(s ServiceStatus) {
	c.status.Store(int32(s))
}

// Build prepares the consumer's collaborators. It is called by Init when
// needed and is a no-op after the first call.
func (c *Consumer) Build() {
	c.mu.Lock()
	c.buildLocked()
	c.mu.Unlock()
}

func (c *Consumer) buildLocked() {
	if c.Status() != StatusCreated {
		return
	}
	c.setStatus(StatusBuilding)
	if c.scheduler == nil {
		c.scheduler = newDefaultScheduler(&c.cfg, c.logger)
	}
}

// Init validates the configuration. It fails with [ErrInvalidConfig] when a
// backoff multiplier is set without any backoff threshold, and the consumer
// moves to [StatusFailed].
//
// Init is idempotent.
func (c *Consumer) Init() error {
	c.mu.Lock()
	err := c.initLocked()
	c.mu.Unlock()
	if err != nil {
		c.logger.Error("consumer init failed", "error", err)
		c.notifyHealth()
	}
	return err
}

func (c *Consumer) initLocked() error {
	switch st := c.Status(); {
	case st == StatusFailed:
		return ErrFailed
	case st == StatusShuttingDown || st == StatusShutdown:
		return ErrShutdown
	case st.isInitialized():
		return nil
	}

	c.buildLocked()
	if err := c.validate(); err != nil {
		c.setStatus(StatusFailed)
		return err
	}
	c.setStatus(StatusInitialized)
	return nil
}

func (c *Consumer) validate() error {
	if c.cfg.backoffMultiplier > 0 && c.cfg.backoffIdleThreshold <= 0 && c.cfg.backoffErrorThreshold <= 0 {
		return fmt.Errorf("%w: backoff multiplier %d requires a backoff idle threshold or a backoff error threshold",
			ErrInvalidConfig, c.cfg.backoffMultiplier)
	}
	return nil
}

// Start initializes the consumer if needed, schedules the poll task and,
// unless disabled with [WithStartScheduler], starts the scheduler.
//
// Start is non-blocking. Calling Start on a started consumer is a no-op;
// on a suspended consumer it resumes polling. A stopped consumer can be
// started again. Cancelling ctx ends the built-in scheduler.
func (c *Consumer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	switch c.Status() {
	case StatusStarting, StatusStarted:
		c.mu.Unlock()
		return nil
	case StatusSuspended:
		c.mu.Unlock()
		c.Resume()
		return nil
	}
	if err := c.initLocked(); err != nil {
		c.mu.Unlock()
		c.logger.Error("consumer start failed", "error", err)
		c.notifyHealth()
		return err
	}

	c.setStatus(StatusStarting)
	c.ctx = ctx
	c.scheduler.ScheduleTask(c.run)
	if c.cfg.startScheduler {
		c.scheduler.StartScheduler(ctx)
	}
	c.setStatus(StatusStarted)
	c.mu.Unlock()

	c.logger.Info("consumer started",
		"endpoint", c.endpoint.URI(),
		"scheduler_started", c.cfg.startScheduler,
	)
	c.notifyHealth()
	return nil
}

// StartScheduler starts the scheduler of a started consumer. Use it with
// WithStartScheduler(false), or to resume scheduling after the repeat count
// was reached; resuming starts a new run of repeat count polls. It is a
// no-op otherwise.
func (c *Consumer) StartScheduler() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st := c.Status(); st != StatusStarted && st != StatusSuspended {
		return
	}
	if c.scheduler.IsSchedulerStarted() {
		return
	}
	if c.cfg.repeatCount > 0 && c.pollCounter.Load() >= c.cfg.repeatCount {
		c.pollCounter.Store(0)
	}
	c.scheduler.StartScheduler(c.ctx)
}

// IsSchedulerStarted reports whether the scheduler is running.
func (c *Consumer) IsSchedulerStarted() bool {
	c.mu.Lock()
	s := c.scheduler
	c.mu.Unlock()
	return s != nil && s.IsSchedulerStarted()
}

// Suspend pauses polling. The schedule keeps running but every tick is
// skipped and no state is cleared. It is a no-op unless the consumer is
// started, and is safe to call from inside a poll.
func (c *Consumer) Suspend() {
	c.mu.Lock()
	if c.Status() != StatusStarted {
		c.mu.Unlock()
		return
	}
	c.setStatus(StatusSuspending)
	c.setStatus(StatusSuspended)
	c.mu.Unlock()

	c.logger.Info("consumer suspended")
	c.notifyHealth()
}

// Resume continues polling after [Consumer.Suspend]. It is a no-op unless
// the consumer is suspended.
func (c *Consumer) Resume() {
	c.mu.Lock()
	if c.Status() != StatusSuspended {
		c.mu.Unlock()
		return
	}
	c.setStatus(StatusStarted)
	c.mu.Unlock()

	c.logger.Info("consumer resumed")
	c.notifyHealth()
}

// Stop cancels future polls and resets the poll counters. A poll in progress
// is allowed to finish; Stop does not wait for it. Readiness is kept.
// Stop is a no-op unless the consumer is started or suspended.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.stopLocked() {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.logger.Info("consumer stopped")
	c.notifyHealth()
}

func (c *Consumer) stopLocked() bool {
	if st := c.Status(); st != StatusStarted && st != StatusSuspended {
		return false
	}
	c.setStatus(StatusStopping)
	c.scheduler.UnscheduleTask()
	c.resetCounters()
	c.setStatus(StatusStopped)
	return true
}

// Shutdown stops the consumer if needed, waits for a poll in progress and
// releases the scheduler. A shut down consumer cannot be started again.
// Shutdown is idempotent and must not be called from inside a poll.
func (c *Consumer) Shutdown() {
	c.mu.Lock()
	switch c.Status() {
	case StatusShuttingDown, StatusShutdown:
		c.mu.Unlock()
		return
	}
	c.stopLocked()
	c.setStatus(StatusShuttingDown)
	sched := c.scheduler
	c.mu.Unlock()

	// wait outside the lock so an in-flight poll can still call Suspend
	if sched != nil {
		sched.Shutdown()
	}

	c.mu.Lock()
	c.setStatus(StatusShutdown)
	c.mu.Unlock()

	c.logger.Info("consumer shut down")
	c.notifyHealth()
}

func (c *Consumer) resetCounters() {
	c.idleCounter.Store(0)
	c.errorCounter.Store(0)
	c.successCounter.Store(0)
	c.backoffCounter.Store(0)
	c.pollCounter.Store(0)
	c.lastFailure.Store(nil)
}

// IdleCount returns the number of consecutive polls that returned no messages.
func (c *Consumer) IdleCount() int64 { return c.idleCounter.Load() }

// ErrorCount returns the number of consecutive failed poll cycles.
func (c *Consumer) ErrorCount() int64 { return c.errorCounter.Load() }

// SuccessCount returns the number of consecutive successful poll cycles.
func (c *Consumer) SuccessCount() int64 { return c.successCounter.Load() }

// BackoffCount returns the number of ticks skipped in the current backoff window.
func (c *Consumer) BackoffCount() int64 { return c.backoffCounter.Load() }

// PollCount returns the number of poll cycles started since the consumer
// was started, including the cycle that reached the repeat count.
func (c *Consumer) PollCount() int64 { return c.pollCounter.Load() }

// FirstPollDone reports whether a poll cycle has completed.
func (c *Consumer) FirstPollDone() bool { return c.firstPollDone.Load() }

// IsPolling reports whether a poll attempt is in progress.
func (c *Consumer) IsPolling() bool { return c.polling.Load() }

// LastError returns the failure of the last poll cycle, or nil.
func (c *Consumer) LastError() error {
	if f := c.lastFailure.Load(); f != nil {
		return f.err
	}
	return nil
}

// LastErrorDetails returns a copy of the structured details of the last
// failure, or nil.
func (c *Consumer) LastErrorDetails() map[string]any {
	if f := c.lastFailure.Load(); f != nil {
		return maps.Clone(f.details)
	}
	return nil
}

// Dispatch implements [Dispatcher].
//
// The exchange is created with auto release, so a pooled exchange goes back
// to its pool once its unit of work is done. A panic in prepare or in the
// processor is recovered and recorded on the exchange as a failure.
func (c *Consumer) Dispatch(ctx context.Context, prepare func(ex *exchange.Exchange), syncs ...uow.Synchronization) error {
	ex := c.factory.Create(c.endpoint.URI(), true)
	ex.SetInternalProperty(exchange.PropertyConsumer, c.endpoint.Name())

	u := c.uow.Create(ex)
	for _, s := range syncs {
		u.AddSynchronization(s)
	}

	err := c.process(ctx, ex, prepare)
	if err != nil {
		ex.SetErr(err)
	} else {
		err = ex.Err()
	}
	if err != nil {
		c.handler.HandleException("error processing exchange", ex, err)
	}

	id := ex.ID()
	c.uow.Done(u, ex)

	if ex.AutoRelease() {
		if rerr := c.factory.Release(ex); rerr != nil {
			c.logger.Warn("exchange release failed", "exchange_id", id, "error", rerr)
		}
	}
	return err
}

// process runs prepare and the processor with panic recovery.
func (c *Consumer) process(ctx context.Context, ex *exchange.Exchange, prepare func(*exchange.Exchange)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.NewString()
			c.logger.Error("processor panic",
				"correlation_id", correlationID,
				"exchange_id", ex.ID(),
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("processor panic (correlation_id: %s)", correlationID)
		}
	}()
	if prepare != nil {
		prepare(ex)
	}
	return c.processor.Process(ctx, ex)
}
