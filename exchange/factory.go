package exchange

import (
	"errors"
	"sync/atomic"
	"time"
)

// Factory creates and reclaims exchanges for a consumer.
//
// Implementations must be safe for concurrent use, even though each exchange
// they hand out has a single owner at a time.
type Factory interface {
	// Create returns an exchange bound to endpoint. When autoRelease is true the
	// exchange is released once its unit of work completes.
	Create(endpoint string, autoRelease bool) *Exchange

	// Release hands an exchange back to the factory. Pooled factories reset and
	// recycle the instance; releasing it twice returns [ErrReleased].
	Release(ex *Exchange) error

	// Pooled reports whether the factory recycles exchanges.
	Pooled() bool

	// Stats returns a snapshot of the factory counters.
	Stats() Stats
}

// Stats holds factory counters.
type Stats struct {
	// Created is the number of exchanges allocated.
	Created int64 `json:"created"`

	// Acquired is the number of exchanges handed out, including reused ones.
	Acquired int64 `json:"acquired"`

	// Released is the number of exchanges handed back.
	Released int64 `json:"released"`

	// Discarded is the number of released exchanges dropped because the pool was full.
	Discarded int64 `json:"discarded"`
}

type counters struct {
	created   atomic.Int64
	acquired  atomic.Int64
	released  atomic.Int64
	discarded atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Created:   c.created.Load(),
		Acquired:  c.acquired.Load(),
		Released:  c.released.Load(),
		Discarded: c.discarded.Load(),
	}
}

// FactoryOption configures a factory.
type FactoryOption func(*factoryConfig)

type factoryConfig struct {
	pattern Pattern
	now     func() time.Time
}

// WithPattern sets the pattern new exchanges start with. Defaults to [InOnly].
func WithPattern(p Pattern) FactoryOption {
	return func(cfg *factoryConfig) {
		cfg.pattern = p
	}
}

// WithClock overrides the time source used for exchange clocks.
func WithClock(now func() time.Time) FactoryOption {
	return func(cfg *factoryConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

func buildFactoryConfig(opts []FactoryOption) factoryConfig {
	cfg := factoryConfig{pattern: InOnly, now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// PrototypeFactory allocates a new exchange per call and discards it on release.
type PrototypeFactory struct {
	cfg   factoryConfig
	stats counters
}

// NewPrototypeFactory creates a non-pooled [Factory].
func NewPrototypeFactory(opts ...FactoryOption) *PrototypeFactory {
	return &PrototypeFactory{cfg: buildFactoryConfig(opts)}
}

// Create allocates a new exchange.
func (f *PrototypeFactory) Create(endpoint string, autoRelease bool) *Exchange {
	ex := newExchange(endpoint, f.cfg.pattern, f.cfg.now)
	ex.autoRelease = autoRelease
	f.stats.created.Add(1)
	f.stats.acquired.Add(1)
	return ex
}

// Release discards the exchange.
func (f *PrototypeFactory) Release(ex *Exchange) error {
	if ex == nil {
		return errors.New("exchange: release of nil exchange")
	}
	ex.clock.Stop()
	f.stats.released.Add(1)
	return nil
}

// Pooled returns false.
func (f *PrototypeFactory) Pooled() bool {
	return false
}

// Stats returns a snapshot of the factory counters.
func (f *PrototypeFactory) Stats() Stats {
	return f.stats.snapshot()
}

// PooledFactory recycles exchanges through a bounded store.
//
// Create takes a free instance from the store or allocates one when the store
// is empty. Release runs [Exchange.Done], whose hook offers the instance back
// to the store; when the store is full the instance is discarded.
type PooledFactory struct {
	cfg   factoryConfig
	free  chan *Exchange
	stats counters
}

// NewPooledFactory creates a pooled [Factory] that keeps at most capacity
// free exchanges. A capacity below 1 is treated as 1.
func NewPooledFactory(capacity int, opts ...FactoryOption) *PooledFactory {
	if capacity < 1 {
		capacity = 1
	}
	return &PooledFactory{
		cfg:  buildFactoryConfig(opts),
		free: make(chan *Exchange, capacity),
	}
}

// Create returns a recycled exchange when one is free, otherwise a new one.
func (f *PooledFactory) Create(endpoint string, autoRelease bool) *Exchange {
	var ex *Exchange
	select {
	case ex = <-f.free:
	default:
		ex = newPooled(f.cfg.pattern, f.offer, f.cfg.now)
		f.stats.created.Add(1)
	}
	ex.acquire(endpoint, autoRelease)
	f.stats.acquired.Add(1)
	return ex
}

// Release resets the exchange and returns it to the pool. It returns
// [ErrReleased] if the exchange is already free, and an error if the exchange
// does not belong to a pool.
func (f *PooledFactory) Release(ex *Exchange) error {
	if ex == nil {
		return errors.New("exchange: release of nil exchange")
	}
	if !ex.pooled {
		return errors.New("exchange: release of non-pooled exchange to pooled factory")
	}
	if !ex.Done() {
		return ErrReleased
	}
	return nil
}

// offer is the onDone hook of every exchange this factory creates.
func (f *PooledFactory) offer(ex *Exchange) {
	f.stats.released.Add(1)
	select {
	case f.free <- ex:
	default:
		f.stats.discarded.Add(1)
	}
}

// Pooled returns true.
func (f *PooledFactory) Pooled() bool {
	return true
}

// Capacity returns the maximum number of free exchanges kept.
func (f *PooledFactory) Capacity() int {
	return cap(f.free)
}

// Size returns the number of free exchanges currently pooled.
func (f *PooledFactory) Size() int {
	return len(f.free)
}

// Stats returns a snapshot of the factory counters.
func (f *PooledFactory) Stats() Stats {
	return f.stats.snapshot()
}
