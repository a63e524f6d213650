package intake

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/jpalmerr/intake/exchange"
	"github.com/jpalmerr/intake/uow"
)

// dispatchingPoller dispatches one exchange per body.
func dispatchingPoller(bodies ...string) PollerFunc {
	return func(ctx context.Context, d Dispatcher) (int, error) {
		for _, body := range bodies {
			_ = d.Dispatch(ctx, func(ex *exchange.Exchange) {
				msg := exchange.NewMessage()
				msg.SetBody(body)
				ex.SetIn(msg)
			})
		}
		return len(bodies), nil
	}
}

func TestDispatch_ProcessesExchange(t *testing.T) {
	var (
		mu       sync.Mutex
		bodies   []string
		consumer []any
	)
	processor := ProcessorFunc(func(_ context.Context, ex *exchange.Exchange) error {
		mu.Lock()
		defer mu.Unlock()
		bodies = append(bodies, ex.In().Body().(string))
		name, _ := ex.InternalProperty(exchange.PropertyConsumer)
		consumer = append(consumer, name)
		return nil
	})

	c, sched := newTestConsumer(t, dispatchingPoller("a", "b"), WithProcessor(processor))
	sched.Tick(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(bodies, ",") != "a,b" {
		t.Errorf("bodies = %v, want [a b]", bodies)
	}
	if consumer[0] != "test" {
		t.Errorf("Consumer property = %v, want %v", consumer[0], "test")
	}
	if c.SuccessCount() != 1 {
		t.Errorf("SuccessCount() = %v, want %v", c.SuccessCount(), 1)
	}
}

func TestDispatch_SynchronizationOnComplete(t *testing.T) {
	c, _ := newTestConsumer(t, returns())

	var completed, failed int
	s := uow.SynchronizationFuncs{
		Complete: func(*exchange.Exchange) { completed++ },
		Failure:  func(*exchange.Exchange) { failed++ },
	}

	if err := c.Dispatch(context.Background(), nil, s); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if completed != 1 || failed != 0 {
		t.Errorf("completed = %v, failed = %v, want 1 and 0", completed, failed)
	}
}

func TestDispatch_ProcessorError(t *testing.T) {
	processErr := errors.New("rejected")
	handler := &recordingHandler{}
	c, _ := newTestConsumer(t, returns(),
		WithProcessor(ProcessorFunc(func(context.Context, *exchange.Exchange) error { return processErr })),
		WithExceptionHandler(handler),
	)

	var completed, failed int
	onFailure := func(ex *exchange.Exchange) {
		if !errors.Is(ex.Err(), processErr) {
			t.Errorf("ex.Err() = %v, want %v", ex.Err(), processErr)
		}
		failed++
	}
	s := uow.SynchronizationFuncs{
		Complete: func(*exchange.Exchange) { completed++ },
		Failure:  onFailure,
	}

	err := c.Dispatch(context.Background(), nil, s)
	if !errors.Is(err, processErr) {
		t.Errorf("Dispatch() error = %v, want %v", err, processErr)
	}
	if completed != 0 || failed != 1 {
		t.Errorf("completed = %v, failed = %v, want 0 and 1", completed, failed)
	}
	if handler.Count() != 1 {
		t.Fatalf("handler calls = %v, want %v", handler.Count(), 1)
	}
	if handler.exs[0] == nil {
		t.Error("handler exchange = nil, want the failed exchange")
	}
}

func TestDispatch_ExchangeErrorWithoutReturn(t *testing.T) {
	exErr := errors.New("marked failed")
	c, _ := newTestConsumer(t, returns(),
		WithProcessor(ProcessorFunc(func(_ context.Context, ex *exchange.Exchange) error {
			ex.SetErr(exErr)
			return nil
		})),
		WithExceptionHandler(&recordingHandler{}),
	)

	if err := c.Dispatch(context.Background(), nil); !errors.Is(err, exErr) {
		t.Errorf("Dispatch() error = %v, want %v", err, exErr)
	}
}

func TestDispatch_ProcessorPanic(t *testing.T) {
	handler := &recordingHandler{}
	c, _ := newTestConsumer(t, returns(),
		WithProcessor(ProcessorFunc(func(context.Context, *exchange.Exchange) error { panic("bad processor") })),
		WithExceptionHandler(handler),
	)

	failed := 0
	s := uow.SynchronizationFuncs{Failure: func(*exchange.Exchange) { failed++ }}

	err := c.Dispatch(context.Background(), nil, s)
	if err == nil || !strings.Contains(err.Error(), "processor panic") {
		t.Errorf("Dispatch() error = %v, want processor panic", err)
	}
	if failed != 1 {
		t.Errorf("failed = %v, want %v", failed, 1)
	}
}

func TestDispatch_PrepareRunsBeforeProcessor(t *testing.T) {
	var seen any
	c, _ := newTestConsumer(t, returns(),
		WithProcessor(ProcessorFunc(func(_ context.Context, ex *exchange.Exchange) error {
			seen, _ = ex.Property("source")
			return nil
		})),
	)

	_ = c.Dispatch(context.Background(), func(ex *exchange.Exchange) {
		ex.SetProperty("source", "unit-test")
	})

	if seen != "unit-test" {
		t.Errorf("property = %v, want %v", seen, "unit-test")
	}
}

// =============================================================================
// Pooled exchanges
// =============================================================================

func TestDispatch_PooledExchangesRecycled(t *testing.T) {
	factory := exchange.NewPooledFactory(4)
	var ids []string
	c, _ := newTestConsumer(t, returns(),
		WithExchangeFactory(factory),
		WithProcessor(ProcessorFunc(func(_ context.Context, ex *exchange.Exchange) error {
			if ex.HasOut() {
				t.Error("recycled exchange kept its out message")
			}
			ids = append(ids, ex.ID())
			ex.SetOut(exchange.NewMessage())
			return nil
		})),
	)
	ctx := context.Background()

	for range 3 {
		if err := c.Dispatch(ctx, nil); err != nil {
			t.Fatalf("Dispatch() error = %v", err)
		}
	}

	stats := factory.Stats()
	if stats.Created != 1 {
		t.Errorf("Stats().Created = %v, want %v", stats.Created, 1)
	}
	if stats.Acquired != 3 {
		t.Errorf("Stats().Acquired = %v, want %v", stats.Acquired, 3)
	}
	if stats.Released != 3 {
		t.Errorf("Stats().Released = %v, want %v", stats.Released, 3)
	}
	if ids[0] == ids[1] || ids[1] == ids[2] {
		t.Errorf("recycled exchanges reused ids: %v", ids)
	}

	h := c.Health()
	if !h.PooledExchanges {
		t.Error("Health().PooledExchanges = false, want true")
	}
	if h.Exchanges.Released != 3 {
		t.Errorf("Health().Exchanges.Released = %v, want %v", h.Exchanges.Released, 3)
	}
}

func TestDispatch_PrototypeFactoryStats(t *testing.T) {
	c, _ := newTestConsumer(t, returns())

	_ = c.Dispatch(context.Background(), nil)
	_ = c.Dispatch(context.Background(), nil)

	stats := c.Factory().Stats()
	if stats.Created != 2 {
		t.Errorf("Stats().Created = %v, want %v", stats.Created, 2)
	}
}
