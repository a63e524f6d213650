package intake

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/google/uuid"

	"github.com/jpalmerr/intake/exchange"
)

// run is the scheduled task. A panic anywhere in the cycle is logged and
// swallowed so the scheduler keeps its cadence.
func (c *Consumer) run(ctx context.Context) {
	defer c.notifyHealth()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("poll cycle panic",
				"correlation_id", uuid.NewString(),
				"endpoint", c.endpoint.URI(),
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	c.doRun(ctx)
}

func (c *Consumer) doRun(ctx context.Context) {
	if st := c.Status(); st == StatusSuspended || st == StatusSuspending {
		c.logger.Debug("skipping poll, consumer is suspended")
		return
	}

	if c.backoff() {
		return
	}

	count := c.pollCounter.Add(1)
	if c.cfg.repeatCount > 0 && count > c.cfg.repeatCount {
		c.logger.Debug("cancelling scheduler, repeat count reached",
			"repeat_count", c.cfg.repeatCount,
		)
		c.scheduler.UnscheduleTask()
		return
	}

	cy := pollCycle{retryCounter: -1}
	cause := c.pollLoop(ctx, &cy)

	if cause != nil {
		c.idleCounter.Store(0)
		c.successCounter.Store(0)
		c.errorCounter.Add(1)
		c.lastFailure.Store(&pollFailure{err: cause, details: errorDetails(cause)})
	} else {
		if cy.polled == 0 {
			c.idleCounter.Add(1)
		} else {
			c.idleCounter.Store(0)
		}
		c.successCounter.Add(1)
		c.errorCounter.Store(0)
		c.lastFailure.Store(nil)
	}
	c.firstPollDone.Store(true)

	// a stopping consumer surfaces nothing
	if cause != nil && !c.Status().isStopping() {
		c.handler.HandleException(
			fmt.Sprintf("failed polling endpoint %s, will try again at next poll", c.endpoint.URI()),
			nil, cause)
	}
}

// backoff reports whether this tick is skipped. Idle and error streaks share
// one backoff counter; when it reaches the multiplier every streak counter is
// reset and the tick polls.
func (c *Consumer) backoff() bool {
	multiplier := int64(c.cfg.backoffMultiplier)
	if multiplier <= 0 {
		return false
	}

	idle := c.idleCounter.Load()
	errs := c.errorCounter.Load()
	idleHit := c.cfg.backoffIdleThreshold > 0 && idle >= int64(c.cfg.backoffIdleThreshold)
	errHit := c.cfg.backoffErrorThreshold > 0 && errs >= int64(c.cfg.backoffErrorThreshold)
	if !idleHit && !errHit {
		return false
	}

	if n := c.backoffCounter.Add(1); n < multiplier {
		if idle > 0 {
			c.logger.Debug("backing off after consecutive idle polls",
				"idle_count", idle,
				"backoff_count", n,
				"backoff_multiplier", multiplier,
			)
		} else {
			c.logger.Debug("backing off after consecutive poll errors",
				"error_count", errs,
				"backoff_count", n,
				"backoff_multiplier", multiplier,
			)
		}
		return true
	}

	c.idleCounter.Store(0)
	c.errorCounter.Store(0)
	c.backoffCounter.Store(0)
	c.successCounter.Store(0)
	c.logger.Debug("backoff finished, resetting counters")
	return false
}

// pollCycle is the state of one poll cycle. retryCounter is -1 before the
// first attempt and after every greedy re-poll.
type pollCycle struct {
	retryCounter int
	polled       int
}

// pollLoop runs attempts until one finishes without a greedy re-poll or the
// strategy declines a retry. It returns the failure to surface, if any.
func (c *Consumer) pollLoop(ctx context.Context, cy *pollCycle) error {
	for {
		if !c.Status().IsRunAllowed() {
			return nil
		}

		again, err := c.attempt(ctx, cy)
		if err == nil {
			if !again {
				return nil
			}
			continue
		}

		retry, rerr := c.strategy.Rollback(c, c.endpoint, cy.retryCounter, err)
		if rerr != nil {
			return rerr
		}
		if !retry {
			return err
		}
	}
}

// attempt runs one begin, poll and commit sequence. again reports that the
// poll returned messages in greedy mode.
func (c *Consumer) attempt(ctx context.Context, cy *pollCycle) (again bool, err error) {
	if cy.retryCounter >= 0 {
		c.logger.Debug("retrying poll", "attempt", cy.retryCounter+1)
	}

	c.polling.Store(true)
	defer c.polling.Store(false)

	ok, err := c.strategy.Begin(c, c.endpoint)
	if err != nil {
		// a failed begin counts as an attempt so retries stay bounded
		cy.retryCounter++
		return false, err
	}
	if !ok {
		c.logger.Debug("cannot begin polling, poll strategy returned false")
		return false, nil
	}

	cy.retryCounter++
	n, err := c.poller.Poll(ctx, c)
	if err != nil {
		return false, err
	}
	cy.polled = n

	if n == 0 && c.cfg.sendEmptyMessageWhenIdle {
		c.processEmptyMessage(ctx)
	}

	if err := c.strategy.Commit(c, c.endpoint, n); err != nil {
		return false, err
	}

	if n > 0 && c.cfg.greedy {
		c.logger.Debug("greedy polling after processing messages", "polled", n)
		cy.retryCounter = -1
		c.errorCounter.Store(0)
		c.lastFailure.Store(nil)
		c.firstPollDone.Store(true)
		return true, nil
	}
	return false, nil
}

// processEmptyMessage dispatches one exchange with no body, flagged with
// [exchange.PropertyEmptyPoll].
func (c *Consumer) processEmptyMessage(ctx context.Context) {
	c.logger.Debug("sending empty message as there were no messages from polling")
	// a failure is already reported to the exception handler by Dispatch
	_ = c.Dispatch(ctx, func(ex *exchange.Exchange) {
		ex.SetInternalProperty(exchange.PropertyEmptyPoll, true)
	})
}
