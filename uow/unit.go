// Package uow implements the unit-of-work completion protocol.
//
// A [Unit] owns the [Synchronization] callbacks registered while an exchange
// is processed and finalizes them exactly once. Callbacks run last-registered
// first, adjusted by explicit [Ordered] priorities, and a failing callback
// never prevents the others from running.
package uow

import (
	"log/slog"
	"reflect"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/jpalmerr/intake/exchange"
)

// Unit is the per-exchange owner of completion callbacks.
//
// Synchronizations may be added from nested processing concurrently with
// each other; Done takes a snapshot of the list under the lock before
// dispatching.
type Unit struct {
	id     string
	logger *slog.Logger

	mu     sync.Mutex
	syncs  []Synchronization
	routes []string
	done   bool
}

func newUnit(logger *slog.Logger) *Unit {
	if logger == nil {
		logger = slog.Default()
	}
	return &Unit{
		id:     uuid.NewString(),
		logger: logger,
	}
}

// ID returns the unit identifier.
func (u *Unit) ID() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.id
}

// AddSynchronization registers s. Nil values and registrations after the
// unit is done are ignored.
func (u *Unit) AddSynchronization(s Synchronization) {
	if s == nil {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.done {
		u.logger.Debug("synchronization added after unit of work completed, ignoring", "uow_id", u.id)
		return
	}
	u.syncs = append(u.syncs, s)
}

// RemoveSynchronization unregisters s. Only comparable implementations
// (typically pointers) can be removed.
func (u *Unit) RemoveSynchronization(s Synchronization) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.syncs = slices.DeleteFunc(u.syncs, func(other Synchronization) bool {
		return sameSynchronization(s, other)
	})
}

// ContainsSynchronization reports whether s is registered.
func (u *Unit) ContainsSynchronization(s Synchronization) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return slices.ContainsFunc(u.syncs, func(other Synchronization) bool {
		return sameSynchronization(s, other)
	})
}

// Synchronizations returns a copy of the registered synchronizations in
// registration order.
func (u *Unit) Synchronizations() []Synchronization {
	u.mu.Lock()
	defer u.mu.Unlock()
	return slices.Clone(u.syncs)
}

// IsDone reports whether the unit has been finalized.
func (u *Unit) IsDone() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.done
}

// Done finalizes the unit for ex: it stops the exchange clock and dispatches
// every registered synchronization once. Subsequent calls are no-ops.
//
// Non-pooled exchanges are detached from the unit afterwards; pooled
// exchanges keep it so the next owner can reuse it.
func (u *Unit) Done(ex *exchange.Exchange) {
	u.mu.Lock()
	if u.done {
		u.mu.Unlock()
		return
	}
	u.done = true
	syncs := u.syncs
	u.syncs = nil
	u.routes = nil
	u.mu.Unlock()

	ex.Clock().Stop()
	DoneSynchronizations(ex, syncs, u.logger)

	if !ex.Pooled() {
		ex.SetUnitOfWork(nil)
	}
}

// BeforeRoute records that ex enters routeID and notifies route-aware
// synchronizations.
func (u *Unit) BeforeRoute(ex *exchange.Exchange, routeID string) {
	u.mu.Lock()
	u.routes = append(u.routes, routeID)
	syncs := slices.Clone(u.syncs)
	u.mu.Unlock()

	BeforeRouteSynchronizations(routeID, ex, syncs, u.logger)
}

// AfterRoute notifies route-aware synchronizations that ex leaves routeID
// and pops the route.
func (u *Unit) AfterRoute(ex *exchange.Exchange, routeID string) {
	u.mu.Lock()
	syncs := slices.Clone(u.syncs)
	u.mu.Unlock()

	AfterRouteSynchronizations(routeID, ex, syncs, u.logger)

	u.mu.Lock()
	if n := len(u.routes); n > 0 && u.routes[n-1] == routeID {
		u.routes = u.routes[:n-1]
	}
	u.mu.Unlock()
}

// Route returns the innermost route the exchange is in, or "".
func (u *Unit) Route() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.routes) == 0 {
		return ""
	}
	return u.routes[len(u.routes)-1]
}

// Handover moves synchronizations to target so they complete with target's
// exchange instead. Synchronizations implementing [Vetoable] that refuse
// handover stay, as do those rejected by filter. A nil filter accepts all.
// It returns the number moved.
func (u *Unit) Handover(target *Unit, filter func(Synchronization) bool) int {
	if target == nil || target == u {
		return 0
	}

	u.mu.Lock()
	var moved, kept []Synchronization
	for _, s := range u.syncs {
		if v, ok := s.(Vetoable); ok && !v.AllowHandover() {
			kept = append(kept, s)
			continue
		}
		if filter != nil && !filter(s) {
			kept = append(kept, s)
			continue
		}
		moved = append(moved, s)
	}
	u.syncs = kept
	u.mu.Unlock()

	for _, s := range moved {
		target.AddSynchronization(s)
	}
	return len(moved)
}

// reset prepares a finalized unit for the next owner of a pooled exchange.
func (u *Unit) reset() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.id = uuid.NewString()
	u.syncs = nil
	u.routes = nil
	u.done = false
}

func sameSynchronization(a, b Synchronization) bool {
	if a == nil || b == nil {
		return false
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}
