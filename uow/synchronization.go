package uow

import (
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"slices"

	"github.com/google/uuid"

	"github.com/jpalmerr/intake/exchange"
)

// Synchronization observes the completion of an exchange. Exactly one of
// OnComplete or OnFailure is called, once, when the unit of work finishes.
type Synchronization interface {
	// OnComplete is called when the exchange completed without a failure.
	OnComplete(ex *exchange.Exchange)

	// OnFailure is called when the exchange carries a failure.
	OnFailure(ex *exchange.Exchange)
}

// Ordered is implemented by synchronizations that need to run at a fixed
// position. Lower values run first; synchronizations without an order count as 0.
type Ordered interface {
	Order() int
}

const (
	// HighestOrder runs before every other synchronization.
	HighestOrder = math.MinInt32

	// LowestOrder runs after every other synchronization.
	LowestOrder = math.MaxInt32
)

// RouteAware is implemented by synchronizations that want to be told when
// an exchange enters and leaves a route.
type RouteAware interface {
	OnBeforeRoute(routeID string, ex *exchange.Exchange)
	OnAfterRoute(routeID string, ex *exchange.Exchange)
}

// Vetoable is implemented by synchronizations that must stay with the
// exchange they were registered on. See [Unit.Handover].
type Vetoable interface {
	AllowHandover() bool
}

// SynchronizationFuncs adapts plain functions to [Synchronization].
// Nil functions are skipped.
type SynchronizationFuncs struct {
	Complete func(ex *exchange.Exchange)
	Failure  func(ex *exchange.Exchange)
}

// OnComplete calls Complete if set.
func (s SynchronizationFuncs) OnComplete(ex *exchange.Exchange) {
	if s.Complete != nil {
		s.Complete(ex)
	}
}

// OnFailure calls Failure if set.
func (s SynchronizationFuncs) OnFailure(ex *exchange.Exchange) {
	if s.Failure != nil {
		s.Failure(ex)
	}
}

// orderOf returns the explicit order of s, or 0.
func orderOf(s Synchronization) int {
	if o, ok := s.(Ordered); ok {
		return o.Order()
	}
	return 0
}

// dispatchOrder copies syncs, reverses the copy so the last registered runs
// first, then stable-sorts it by explicit order. The input is never modified.
func dispatchOrder(syncs []Synchronization) []Synchronization {
	ordered := slices.Clone(syncs)
	slices.Reverse(ordered)
	slices.SortStableFunc(ordered, func(a, b Synchronization) int {
		oa, ob := orderOf(a), orderOf(b)
		switch {
		case oa < ob:
			return -1
		case oa > ob:
			return 1
		default:
			return 0
		}
	})
	return ordered
}

// DoneSynchronizations dispatches the completion callbacks of ex.
//
// With more than one synchronization the list is copied, reversed (last
// registered runs first) and stable-sorted by [Ordered]. OnFailure is called
// when ex carries a failure, OnComplete otherwise. A panic in one callback is
// logged and does not stop the remaining callbacks.
func DoneSynchronizations(ex *exchange.Exchange, syncs []Synchronization, logger *slog.Logger) {
	if len(syncs) == 0 {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}

	ordered := syncs
	if len(syncs) > 1 {
		ordered = dispatchOrder(syncs)
	}

	failed := ex.IsFailed()
	for _, s := range ordered {
		if failed {
			invokeSafe(logger, "on_failure", ex, func() { s.OnFailure(ex) })
		} else {
			invokeSafe(logger, "on_complete", ex, func() { s.OnComplete(ex) })
		}
	}
}

// BeforeRouteSynchronizations calls OnBeforeRoute on every route-aware
// synchronization, in the same order as [DoneSynchronizations].
func BeforeRouteSynchronizations(routeID string, ex *exchange.Exchange, syncs []Synchronization, logger *slog.Logger) {
	routeSynchronizations(syncs, logger, ex, "on_before_route", func(r RouteAware) {
		r.OnBeforeRoute(routeID, ex)
	})
}

// AfterRouteSynchronizations calls OnAfterRoute on every route-aware
// synchronization, in the same order as [DoneSynchronizations].
func AfterRouteSynchronizations(routeID string, ex *exchange.Exchange, syncs []Synchronization, logger *slog.Logger) {
	routeSynchronizations(syncs, logger, ex, "on_after_route", func(r RouteAware) {
		r.OnAfterRoute(routeID, ex)
	})
}

func routeSynchronizations(syncs []Synchronization, logger *slog.Logger, ex *exchange.Exchange, phase string, call func(RouteAware)) {
	if len(syncs) == 0 {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	for _, s := range dispatchOrder(syncs) {
		r, ok := s.(RouteAware)
		if !ok {
			continue
		}
		invokeSafe(logger, phase, ex, func() { call(r) })
	}
}

// invokeSafe runs fn with panic recovery. Panics are logged with a
// correlation id and do not propagate.
func invokeSafe(logger *slog.Logger, phase string, ex *exchange.Exchange, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("synchronization panicked",
				"correlation_id", uuid.NewString(),
				"phase", phase,
				"exchange_id", ex.ID(),
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	fn()
}
