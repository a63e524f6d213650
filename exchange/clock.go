package exchange

import "time"

// Clock records when an exchange was created and when it completed.
//
// A Clock is owned by a single exchange and is not safe for concurrent use.
// Pooled exchanges reuse their clock: an unset clock marks the instance as
// free, a set clock marks it as in use.
type Clock struct {
	created   time.Time
	completed time.Time
	now       func() time.Time
}

func newClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	c := &Clock{now: now}
	c.reset()
	return c
}

// Created returns the time the exchange was created or last acquired from a pool.
// The zero time is returned while the clock is unset.
func (c *Clock) Created() time.Time {
	return c.created
}

// Completed returns the completion time, or the zero time if [Clock.Stop]
// has not been called.
func (c *Clock) Completed() time.Time {
	return c.completed
}

// Elapsed returns the time since creation. Once stopped, it returns the
// duration between creation and completion. An unset clock reports 0.
func (c *Clock) Elapsed() time.Duration {
	if c.created.IsZero() {
		return 0
	}
	if !c.completed.IsZero() {
		return c.completed.Sub(c.created)
	}
	return c.now().Sub(c.created)
}

// Stop records the completion time. Calling Stop more than once keeps the
// first completion time.
func (c *Clock) Stop() {
	if c.completed.IsZero() && !c.created.IsZero() {
		c.completed = c.now()
	}
}

// IsSet reports whether the clock holds a creation time.
func (c *Clock) IsSet() bool {
	return !c.created.IsZero()
}

func (c *Clock) reset() {
	c.created = c.now()
	c.completed = time.Time{}
}

func (c *Clock) unset() {
	c.created = time.Time{}
	c.completed = time.Time{}
}
