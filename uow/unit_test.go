package uow

import (
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"

	"github.com/jpalmerr/intake/exchange"
)

// testLogger returns a logger that discards all output for clean test output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder is a Synchronization that appends its name to a shared log.
type recorder struct {
	name  string
	log   *[]string
	panic bool
}

func (r *recorder) OnComplete(ex *exchange.Exchange) {
	*r.log = append(*r.log, r.name+":complete")
	if r.panic {
		panic("boom from " + r.name)
	}
}

func (r *recorder) OnFailure(ex *exchange.Exchange) {
	*r.log = append(*r.log, r.name+":failure")
	if r.panic {
		panic("boom from " + r.name)
	}
}

// orderedRecorder adds an explicit order to recorder.
type orderedRecorder struct {
	*recorder
	order int
}

func (o *orderedRecorder) Order() int { return o.order }

// routeRecorder adds route awareness to recorder.
type routeRecorder struct {
	*recorder
}

func (r *routeRecorder) OnBeforeRoute(routeID string, ex *exchange.Exchange) {
	*r.log = append(*r.log, r.name+":before:"+routeID)
}

func (r *routeRecorder) OnAfterRoute(routeID string, ex *exchange.Exchange) {
	*r.log = append(*r.log, r.name+":after:"+routeID)
}

// vetoRecorder refuses handover.
type vetoRecorder struct {
	*recorder
}

func (v *vetoRecorder) AllowHandover() bool { return false }

func TestDoneSynchronizations_FILO(t *testing.T) {
	var log []string
	a := &recorder{name: "A", log: &log}
	b := &recorder{name: "B", log: &log}
	c := &recorder{name: "C", log: &log}

	ex := exchange.New("timer:x", exchange.InOnly)
	DoneSynchronizations(ex, []Synchronization{a, b, c}, testLogger())

	want := []string{"C:complete", "B:complete", "A:complete"}
	if !slices.Equal(log, want) {
		t.Errorf("dispatch order = %v, want %v", log, want)
	}
}

func TestDoneSynchronizations_ExplicitOrderWins(t *testing.T) {
	var log []string
	a := &recorder{name: "A", log: &log}
	b := &orderedRecorder{recorder: &recorder{name: "B", log: &log}, order: HighestOrder}
	c := &recorder{name: "C", log: &log}

	ex := exchange.New("timer:x", exchange.InOnly)
	DoneSynchronizations(ex, []Synchronization{a, b, c}, testLogger())

	want := []string{"B:complete", "C:complete", "A:complete"}
	if !slices.Equal(log, want) {
		t.Errorf("dispatch order = %v, want %v", log, want)
	}
}

func TestDoneSynchronizations_LowestOrderRunsLast(t *testing.T) {
	var log []string
	a := &orderedRecorder{recorder: &recorder{name: "A", log: &log}, order: LowestOrder}
	b := &recorder{name: "B", log: &log}
	c := &recorder{name: "C", log: &log}

	ex := exchange.New("timer:x", exchange.InOnly)
	DoneSynchronizations(ex, []Synchronization{c, a, b}, testLogger())

	want := []string{"B:complete", "C:complete", "A:complete"}
	if !slices.Equal(log, want) {
		t.Errorf("dispatch order = %v, want %v", log, want)
	}
}

// TestDoneSynchronizations_CallbackIsolation verifies that a panicking
// callback does not stop its siblings from running exactly once.
func TestDoneSynchronizations_CallbackIsolation(t *testing.T) {
	var log []string
	a := &recorder{name: "A", log: &log}
	b := &recorder{name: "B", log: &log, panic: true}
	c := &recorder{name: "C", log: &log}

	ex := exchange.New("timer:x", exchange.InOnly)
	DoneSynchronizations(ex, []Synchronization{a, b, c}, testLogger())

	want := []string{"C:complete", "B:complete", "A:complete"}
	if !slices.Equal(log, want) {
		t.Errorf("dispatch log = %v, want %v", log, want)
	}
}

func TestDoneSynchronizations_FailureDispatch(t *testing.T) {
	var log []string
	a := &recorder{name: "A", log: &log}

	ex := exchange.New("timer:x", exchange.InOnly)
	ex.SetErr(errors.New("failed"))
	DoneSynchronizations(ex, []Synchronization{a}, testLogger())

	want := []string{"A:failure"}
	if !slices.Equal(log, want) {
		t.Errorf("dispatch log = %v, want %v", log, want)
	}
}

func TestDoneSynchronizations_DoesNotMutateInput(t *testing.T) {
	var log []string
	a := &recorder{name: "A", log: &log}
	b := &recorder{name: "B", log: &log}
	input := []Synchronization{a, b}

	DoneSynchronizations(exchange.New("x", exchange.InOnly), input, testLogger())

	if input[0] != Synchronization(a) || input[1] != Synchronization(b) {
		t.Error("DoneSynchronizations reordered the caller's slice")
	}
}

func TestUnit_DoneExactlyOnce(t *testing.T) {
	var log []string
	m := NewManager(testLogger())
	ex := exchange.New("timer:x", exchange.InOnly)

	u := m.Create(ex)
	u.AddSynchronization(&recorder{name: "A", log: &log})

	m.Done(u, ex)
	m.Done(u, ex)

	if len(log) != 1 {
		t.Errorf("synchronization called %d times, want 1", len(log))
	}
	if ex.UnitOfWork() != nil {
		t.Error("non-pooled exchange still carries its unit of work")
	}
	if ex.Clock().Completed().IsZero() {
		t.Error("exchange clock was not stopped")
	}
}

func TestUnit_AddAfterDoneIgnored(t *testing.T) {
	var log []string
	u := newUnit(testLogger())
	ex := exchange.New("timer:x", exchange.InOnly)

	u.Done(ex)
	u.AddSynchronization(&recorder{name: "late", log: &log})

	if len(u.Synchronizations()) != 0 {
		t.Error("synchronization registered after Done")
	}
}

func TestManager_CreateReusesAttachedUnit(t *testing.T) {
	m := NewManager(testLogger())
	ex := exchange.New("timer:x", exchange.InOnly)

	first := m.Create(ex)
	second := m.Create(ex)
	if first != second {
		t.Error("Create() did not reuse the attached unit")
	}
}

// TestManager_PooledExchangeKeepsUnit verifies the pooled fast path: the unit
// survives release and is reset for the next owner.
func TestManager_PooledExchangeKeepsUnit(t *testing.T) {
	var log []string
	m := NewManager(testLogger())
	f := exchange.NewPooledFactory(1)

	ex := f.Create("kafka:x", true)
	u := m.Create(ex)
	u.AddSynchronization(&recorder{name: "A", log: &log})
	m.Done(u, ex)
	_ = f.Release(ex)

	again := f.Create("kafka:x", true)
	if again != ex {
		t.Fatal("pool did not reuse the exchange")
	}
	reused := m.Create(again)
	if reused != u {
		t.Error("pooled exchange did not keep its unit of work")
	}
	if reused.IsDone() {
		t.Error("reused unit still marked done")
	}
	if len(reused.Synchronizations()) != 0 {
		t.Error("reused unit kept previous synchronizations")
	}
}

func TestUnit_RemoveAndContains(t *testing.T) {
	var log []string
	u := newUnit(testLogger())
	a := &recorder{name: "A", log: &log}
	fn := SynchronizationFuncs{Complete: func(*exchange.Exchange) {}}

	u.AddSynchronization(a)
	u.AddSynchronization(fn)

	if !u.ContainsSynchronization(a) {
		t.Error("ContainsSynchronization(a) = false")
	}
	// func-valued synchronizations are not comparable and must not panic
	if u.ContainsSynchronization(fn) {
		t.Error("ContainsSynchronization(funcs) = true, want false")
	}

	u.RemoveSynchronization(a)
	if u.ContainsSynchronization(a) {
		t.Error("synchronization still present after RemoveSynchronization")
	}
	if n := len(u.Synchronizations()); n != 1 {
		t.Errorf("Synchronizations() len = %d, want 1", n)
	}
}

func TestUnit_RouteBoundaries(t *testing.T) {
	var log []string
	u := newUnit(testLogger())
	ex := exchange.New("timer:x", exchange.InOnly)

	u.AddSynchronization(&routeRecorder{recorder: &recorder{name: "R1", log: &log}})
	u.AddSynchronization(&recorder{name: "plain", log: &log})
	u.AddSynchronization(&routeRecorder{recorder: &recorder{name: "R2", log: &log}})

	u.BeforeRoute(ex, "orders")
	if got := u.Route(); got != "orders" {
		t.Errorf("Route() = %q, want orders", got)
	}
	u.AfterRoute(ex, "orders")
	if got := u.Route(); got != "" {
		t.Errorf("Route() after AfterRoute = %q, want empty", got)
	}

	want := []string{"R2:before:orders", "R1:before:orders", "R2:after:orders", "R1:after:orders"}
	if !slices.Equal(log, want) {
		t.Errorf("route dispatch = %v, want %v", log, want)
	}
}

func TestUnit_Handover(t *testing.T) {
	var log []string
	src := newUnit(testLogger())
	dst := newUnit(testLogger())

	movable := &recorder{name: "M", log: &log}
	vetoed := &vetoRecorder{recorder: &recorder{name: "V", log: &log}}
	src.AddSynchronization(movable)
	src.AddSynchronization(vetoed)

	if n := src.Handover(dst, nil); n != 1 {
		t.Errorf("Handover() moved %d, want 1", n)
	}
	if !dst.ContainsSynchronization(movable) {
		t.Error("movable synchronization not handed over")
	}
	if !src.ContainsSynchronization(vetoed) {
		t.Error("vetoed synchronization was handed over")
	}
}

// TestUnit_ConcurrentAdd registers synchronizations from many goroutines.
// Run with: go test -race ./uow/...
func TestUnit_ConcurrentAdd(t *testing.T) {
	u := newUnit(testLogger())
	var count int
	var mu sync.Mutex
	s := SynchronizationFuncs{Complete: func(*exchange.Exchange) {
		mu.Lock()
		count++
		mu.Unlock()
	}}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u.AddSynchronization(s)
		}()
	}
	wg.Wait()

	u.Done(exchange.New("x", exchange.InOnly))
	if count != 50 {
		t.Errorf("callbacks run = %d, want 50", count)
	}
}
