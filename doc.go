// Package intake provides scheduled polling consumers with backoff, retry,
// greedy draining and health signaling, together with the exchange and
// unit-of-work machinery that finalizes every consumed message exactly once.
//
// A [Consumer] polls one [Endpoint] through a connector-specific [Poller].
// For each message the poller calls [Dispatcher.Dispatch], which creates an
// [exchange.Exchange] (optionally drawn from a pool), registers completion
// callbacks on its unit of work, hands it to the [Processor] and finalizes it.
//
// # Quick Start
//
//	ep, _ := intake.NewEndpoint("orders", "redis://localhost:6379/orders")
//	c, _ := intake.NewConsumer(ep, poller,
//	    intake.WithDelay(time.Second),
//	    intake.WithProcessor(intake.ProcessorFunc(handle)),
//	)
//	in, _ := intake.New(intake.WithConsumer(c))
//
//	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer stop()
//
//	in.Start(ctx) // blocks until context is cancelled
//
// # Poll Cycle
//
// Every scheduler tick runs one poll cycle:
//
//   - Suspended consumers skip the tick.
//   - With a backoff multiplier, a consumer whose idle or error streak
//     reached its threshold skips multiplier-1 ticks, then resets its
//     counters and polls.
//   - With a repeat count, the consumer unschedules itself once the count
//     is exceeded.
//   - The [PollStrategy] may veto the attempt, and decides on failure
//     whether to retry within the cycle.
//   - In greedy mode the consumer polls again immediately while polls keep
//     returning messages.
//
// A poll that finds no data returns 0; only genuine failures are errors.
// Panics in a poll cycle are recovered and logged with a correlation ID.
//
// # Health
//
// [Consumer.Health] reports counters, the last failure and readiness. A
// consumer is ready once its first poll cycle completes or after
// [Consumer.ForceReady]. [Intake] serves health at /api/consumers,
// /api/sse, /health/ready and /health/live.
//
// # Architecture
//
//   - exchange: exchanges, messages and pooled factories
//   - uow: units of work and synchronization dispatch
//   - config: YAML configuration and consumer builder
//   - source/...: pollers for HTTP, Redis, Kafka, AMQP, NATS and MongoDB
//   - internal/scheduler: the timer driving each consumer
//   - internal/store, internal/server: health storage and HTTP API
package intake
