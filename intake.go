package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jpalmerr/intake/internal/server"
	"github.com/jpalmerr/intake/internal/store"
)

const defaultPort = 8080

// Intake runs a set of consumers and serves their health.
//
// Intake is created using [New] with functional options and started with
// [Intake.Start]. It owns the lifecycle of every consumer passed to it.
//
// The typical lifecycle is:
//
//	in, err := intake.New(intake.WithConsumer(c))
//	if err != nil {
//	    slog.Error("failed to create intake", "error", err)
//	    os.Exit(1)
//	}
//
//	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer cancel()
//
//	in.Start(ctx) // blocks until context cancelled
//
// Cancel the context to stop polling and shut every consumer down.
type Intake struct {
	consumers       []*Consumer
	port            int
	logger          *slog.Logger
	healthCallbacks []func(Health)
	healthStore     store.Store
}

// New creates a new [Intake] with the given options.
//
// At least one consumer must be configured via [WithConsumer] or
// [WithConsumers], and consumer endpoint names must be unique. The health
// server listens on port 8080 unless changed with [WithPort].
//
// Example:
//
//	in, err := intake.New(
//	    intake.WithConsumers(orders, payments),
//	    intake.WithPort(9090),
//	)
func New(opts ...Option) (*Intake, error) {
	cfg := &intakeConfig{
		port: defaultPort,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if len(cfg.consumers) == 0 {
		return nil, errors.New("at least one consumer is required")
	}

	// health records are keyed by endpoint name
	seen := make(map[string]bool, len(cfg.consumers))
	for _, c := range cfg.consumers {
		name := c.Endpoint().Name()
		if seen[name] {
			return nil, fmt.Errorf("duplicate consumer name: %q", name)
		}
		seen[name] = true
	}

	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}

	in := &Intake{
		consumers:       cfg.consumers,
		port:            cfg.port,
		logger:          logger,
		healthCallbacks: cfg.healthCallbacks,
		healthStore:     store.NewMemoryStore(),
	}

	// registered once; Start may be called again after a failure
	for _, c := range in.consumers {
		c.addHealthListener(in.onHealth(in.healthStore))
		in.healthStore.Update(healthToRecord(c.Health()))
	}

	return in, nil
}

// Start starts every consumer and the health server, then blocks until ctx is
// cancelled. On cancellation every consumer is stopped and shut down, waiting
// for polls in progress.
//
// Returns nil on graceful shutdown. Returns an error if the health server
// cannot bind or a consumer fails to start; consumers already started are
// shut down first.
func (in *Intake) Start(ctx context.Context) error {
	in.logger.Info("intake starting", "consumer_count", len(in.consumers))

	if ctx.Err() != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if in.port > 0 {
		httpServer := server.NewServer(in.healthStore, in.port, in.logger)
		if err := httpServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		in.logger.Info("health api available", "url", fmt.Sprintf("http://localhost:%d/api/consumers", in.port))
	}

	for i, c := range in.consumers {
		if err := c.Start(ctx); err != nil {
			in.shutdown(in.consumers[:i+1])
			return fmt.Errorf("failed to start consumer %q: %w", c.Endpoint().Name(), err)
		}
	}

	<-ctx.Done()
	in.shutdown(in.consumers)
	in.logger.Info("intake stopped")
	return nil
}

// shutdown stops and shuts down consumers concurrently.
func (in *Intake) shutdown(consumers []*Consumer) {
	var wg sync.WaitGroup
	for _, c := range consumers {
		wg.Add(1)
		go func(c *Consumer) {
			defer wg.Done()
			c.Stop()
			c.Shutdown()
		}(c)
	}
	wg.Wait()
}

// onHealth returns the listener that records health and runs callbacks.
func (in *Intake) onHealth(st store.Store) func(Health) {
	return func(h Health) {
		// store update first, callbacks fire after data is persisted
		st.Update(healthToRecord(h))
		for _, cb := range in.healthCallbacks {
			invokeListenerSafe(cb, h, in.logger)
		}
	}
}

// Consumers returns a copy of the configured consumers.
func (in *Intake) Consumers() []*Consumer {
	cp := make([]*Consumer, len(in.consumers))
	copy(cp, in.consumers)
	return cp
}

// Port returns the configured health server port. Zero means disabled.
func (in *Intake) Port() int {
	return in.port
}

// Ready reports whether every consumer is ready.
func (in *Intake) Ready() bool {
	for _, c := range in.consumers {
		if !c.IsReady() {
			return false
		}
	}
	return true
}

// healthToRecord converts a consumer health snapshot to its stored form.
func healthToRecord(h Health) store.HealthRecord {
	var errStr *string
	if h.LastError != nil {
		s := h.LastError.Error()
		errStr = &s
	}

	checkedAt := h.CheckedAt
	if checkedAt.IsZero() {
		checkedAt = time.Now()
	}

	return store.HealthRecord{
		Name:             h.Consumer,
		URI:              h.URI,
		State:            h.State.String(),
		Status:           h.Status.String(),
		Ready:            h.Ready,
		Failed:           h.Status == StatusFailed,
		Labels:           copyMap(h.Labels),
		PollCount:        h.PollCount,
		SuccessCount:     h.SuccessCount,
		ErrorCount:       h.ErrorCount,
		IdleCount:        h.IdleCount,
		BackoffCount:     h.BackoffCount,
		LastError:        errStr,
		LastErrorDetails: h.LastErrorDetails,
		Exchanges: store.ExchangeStats{
			Pooled:    h.PooledExchanges,
			Created:   h.Exchanges.Created,
			Acquired:  h.Exchanges.Acquired,
			Released:  h.Exchanges.Released,
			Discarded: h.Exchanges.Discarded,
		},
		CheckedAt: checkedAt,
	}
}
