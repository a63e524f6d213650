package intake

import (
	"errors"
	"sync"
)

// PollStrategy wraps every poll attempt of a [Consumer].
//
// Begin may veto an attempt by returning false. Commit is called after every
// successful poll, including polls that found nothing. Rollback is called
// when an attempt fails and decides whether the consumer retries within the
// same cycle (true) or surfaces the failure (false). An error returned from
// Begin or Commit is treated like a failed poll; an error returned from
// Rollback surfaces instead of the original cause.
//
// The retry counter passed to Rollback is zero-based and counts attempts in
// the current cycle, including one whose Begin failed, so the first failed
// attempt always reports 0.
//
// Methods are called from the consumer's poll goroutine. A strategy shared by
// several consumers must be safe for concurrent use.
type PollStrategy interface {
	Begin(c *Consumer, ep Endpoint) (bool, error)
	Commit(c *Consumer, ep Endpoint, polledMessages int) error
	Rollback(c *Consumer, ep Endpoint, retryCounter int, cause error) (bool, error)
}

// DefaultPollStrategy never vetoes, does nothing on commit and never retries.
type DefaultPollStrategy struct{}

// Begin always allows the poll.
func (DefaultPollStrategy) Begin(*Consumer, Endpoint) (bool, error) { return true, nil }

// Commit does nothing.
func (DefaultPollStrategy) Commit(*Consumer, Endpoint, int) error { return nil }

// Rollback never retries.
func (DefaultPollStrategy) Rollback(*Consumer, Endpoint, int, error) (bool, error) {
	return false, nil
}

// ShouldRetryFunc determines whether a poll failure should be retried.
type ShouldRetryFunc func(error) bool

// RetryOn returns a [ShouldRetryFunc] matching any of errs with [errors.Is].
// With no errors every failure is retried.
func RetryOn(errs ...error) ShouldRetryFunc {
	if len(errs) == 0 {
		return func(error) bool { return true }
	}
	return func(err error) bool {
		for _, e := range errs {
			if errors.Is(err, e) {
				return true
			}
		}
		return false
	}
}

// RetryPollStrategy retries a failed poll within the same cycle up to
// MaxRetries times. The retry counter passed to Rollback is zero-based, so
// MaxRetries=2 allows three attempts in total.
type RetryPollStrategy struct {
	DefaultPollStrategy

	// MaxRetries is the number of extra attempts per cycle.
	MaxRetries int

	// ShouldRetry filters retryable failures. Nil retries every failure.
	ShouldRetry ShouldRetryFunc
}

// Rollback retries while retryCounter is below MaxRetries and ShouldRetry
// accepts the cause.
func (s RetryPollStrategy) Rollback(c *Consumer, ep Endpoint, retryCounter int, cause error) (bool, error) {
	if retryCounter >= s.MaxRetries {
		return false, nil
	}
	if s.ShouldRetry != nil && !s.ShouldRetry(cause) {
		return false, nil
	}
	c.logger.Debug("retrying poll",
		"endpoint", ep.Name(),
		"attempt", retryCounter+1,
		"max_retries", s.MaxRetries,
		"error", cause,
	)
	return true, nil
}

// LimitedPollStrategy suspends a consumer after Limit consecutive surfaced
// poll failures. A successful poll resets the count. A suspended consumer
// keeps its schedule and resumes polling after [Consumer.Resume].
//
// One LimitedPollStrategy may be shared by several consumers; failures are
// counted per consumer.
type LimitedPollStrategy struct {
	Limit int

	mu       sync.Mutex
	failures map[*Consumer]int
}

// NewLimitedPollStrategy returns a [LimitedPollStrategy] with the given limit.
// A limit below 1 is treated as 1.
func NewLimitedPollStrategy(limit int) *LimitedPollStrategy {
	if limit < 1 {
		limit = 1
	}
	return &LimitedPollStrategy{Limit: limit}
}

// Begin always allows the poll.
func (s *LimitedPollStrategy) Begin(*Consumer, Endpoint) (bool, error) { return true, nil }

// Commit clears the failure count of c.
func (s *LimitedPollStrategy) Commit(c *Consumer, _ Endpoint, _ int) error {
	s.mu.Lock()
	delete(s.failures, c)
	s.mu.Unlock()
	return nil
}

// Rollback counts the failure and suspends c once Limit is reached. It never
// retries.
func (s *LimitedPollStrategy) Rollback(c *Consumer, ep Endpoint, _ int, cause error) (bool, error) {
	s.mu.Lock()
	if s.failures == nil {
		s.failures = make(map[*Consumer]int)
	}
	s.failures[c]++
	n := s.failures[c]
	limit := s.Limit
	if limit < 1 {
		limit = 1
	}
	if n >= limit {
		delete(s.failures, c)
	}
	s.mu.Unlock()

	if n >= limit {
		c.logger.Warn("suspending consumer after consecutive poll failures",
			"endpoint", ep.Name(),
			"failures", n,
			"error", cause,
		)
		c.Suspend()
	}
	return false, nil
}

// Failures returns the current consecutive failure count for c.
func (s *LimitedPollStrategy) Failures(c *Consumer) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[c]
}
