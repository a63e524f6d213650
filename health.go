package intake

import (
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/jpalmerr/intake/exchange"
)

// HealthState represents the health of a consumer.
//
// HealthState is a string type so it serializes and logs in a readable form.
type HealthState string

const (
	// HealthUp indicates the consumer is ready and its last poll cycle succeeded.
	HealthUp HealthState = "up"

	// HealthDown indicates the consumer's last poll cycle failed.
	HealthDown HealthState = "down"

	// HealthUnknown indicates the consumer is not ready yet: it has neither
	// completed a poll cycle nor been forced ready.
	HealthUnknown HealthState = "unknown"
)

// String returns the string representation of the state.
func (s HealthState) String() string {
	return string(s)
}

// Health is a point-in-time snapshot of a consumer's polling state.
//
// Health is immutable after creation; maps are copies.
type Health struct {
	// Consumer is the name of the consumer's endpoint.
	Consumer string

	// URI is the endpoint URI.
	URI string

	// Labels contains the endpoint's metadata labels.
	Labels map[string]string

	// State is the derived health state.
	State HealthState

	// Status is the consumer's lifecycle status.
	Status ServiceStatus

	// Ready reports whether the consumer was forced ready or finished its
	// first poll cycle.
	Ready bool

	// Polling reports whether a poll attempt is in progress.
	Polling bool

	PollCount    int64
	SuccessCount int64
	ErrorCount   int64
	IdleCount    int64
	BackoffCount int64

	// LastError is the failure of the last poll cycle, or nil if it succeeded.
	LastError error

	// LastErrorDetails holds structured details of LastError, such as
	// "response_code". Nil when there are none.
	LastErrorDetails map[string]any

	// Exchanges holds the exchange factory counters.
	Exchanges exchange.Stats

	// PooledExchanges reports whether the exchange factory recycles exchanges.
	PooledExchanges bool

	// CheckedAt is when the snapshot was taken.
	CheckedAt time.Time
}

// pollFailure is the last surfaced failure and its details, published as one
// value so readers never see a mismatched pair.
type pollFailure struct {
	err     error
	details map[string]any
}

// Health returns a snapshot of the consumer's state. It is safe to call from
// any goroutine.
func (c *Consumer) Health() Health {
	h := Health{
		Consumer:     c.endpoint.Name(),
		URI:          c.endpoint.URI(),
		Labels:       c.endpoint.Labels(),
		Status:       c.Status(),
		Ready:        c.IsReady(),
		Polling:      c.polling.Load(),
		PollCount:    c.pollCounter.Load(),
		SuccessCount: c.successCounter.Load(),
		ErrorCount:   c.errorCounter.Load(),
		IdleCount:    c.idleCounter.Load(),
		BackoffCount: c.backoffCounter.Load(),
		Exchanges:    c.factory.Stats(),
		CheckedAt:    time.Now(),

		PooledExchanges: c.factory.Pooled(),
	}
	if f := c.lastFailure.Load(); f != nil {
		h.LastError = f.err
		h.LastErrorDetails = maps.Clone(f.details)
	}
	h.State = healthState(h.Ready, h.ErrorCount)
	return h
}

func healthState(ready bool, errorCount int64) HealthState {
	switch {
	case !ready:
		return HealthUnknown
	case errorCount > 0:
		return HealthDown
	default:
		return HealthUp
	}
}

// IsReady reports whether the consumer is forced ready or has completed its
// first poll cycle.
func (c *Consumer) IsReady() bool {
	return c.forceReady.Load() || c.firstPollDone.Load()
}

// ForceReady marks the consumer ready before its first poll cycle completes.
// Useful for consumers that take long to connect.
func (c *Consumer) ForceReady(ready bool) {
	c.forceReady.Store(ready)
	c.notifyHealth()
}

// addHealthListener registers l after construction.
func (c *Consumer) addHealthListener(l func(Health)) {
	c.lmu.Lock()
	c.listeners = append(c.listeners, l)
	c.lmu.Unlock()
}

// notifyHealth sends a health snapshot to every registered listener.
func (c *Consumer) notifyHealth() {
	c.lmu.RLock()
	listeners := c.listeners
	c.lmu.RUnlock()
	if len(listeners) == 0 {
		return
	}
	h := c.Health()
	for _, l := range listeners {
		invokeListenerSafe(l, h, c.logger)
	}
}

// invokeListenerSafe calls a health listener with panic recovery.
// Panics are logged but do not propagate.
func invokeListenerSafe(l func(Health), h Health, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("health listener panicked",
				"correlation_id", uuid.NewString(),
				"panic", fmt.Sprintf("%v", r),
				"consumer", h.Consumer,
			)
		}
	}()
	l(h)
}
