package exchange

import (
	"fmt"
	"reflect"
	"time"
)

var defaultMessageType = reflect.TypeOf((*DefaultMessage)(nil))

// newPooled creates an exchange owned by a pool. The pattern and in message
// type captured here are restored on every [Exchange.Done].
func newPooled(pattern Pattern, onDone func(*Exchange), now func() time.Time) *Exchange {
	e := newExchange("", pattern, now)
	e.pooled = true
	e.originalPattern = pattern
	e.originalIn = defaultMessageType
	e.in = NewMessage()
	e.onDone = onDone
	e.clock.unset()
	return e
}

// acquire prepares a free pooled instance for a new owner.
func (e *Exchange) acquire(endpoint string, autoRelease bool) {
	e.endpoint = endpoint
	e.autoRelease = autoRelease
	e.clock.reset()
}

// Done resets a pooled exchange and hands it back to its pool.
//
// The reset clears properties, internal properties, safe copies, variables,
// the identifier, the captured failure and the rollback and route-stop flags,
// restores the original pattern, and resets or drops the messages. The
// in message is reset in place only when it has the concrete type the
// exchange was constructed with. The pool hook runs last.
//
// Done returns false without touching the exchange if it is not pooled or has
// already been released. Calling Done from two owners at once is a contract
// violation.
func (e *Exchange) Done() bool {
	if !e.pooled {
		return false
	}
	// an unset clock is the free tag
	if !e.clock.IsSet() {
		return false
	}
	e.clock.unset()

	clear(e.properties)
	clear(e.internal)
	clear(e.safeCopies)
	clear(e.variables)

	e.id = ""

	if e.in != nil {
		if reflect.TypeOf(e.in) == e.originalIn {
			e.in.Reset()
		} else {
			e.in = nil
		}
	}
	if e.out != nil {
		e.out.Reset()
		e.out = nil
	}

	e.err = nil
	e.pattern = e.originalPattern
	e.rollbackOnly = false
	e.rollbackOnlyLast = false
	e.routeStop = false
	e.autoRelease = false

	e.generation.Add(1)

	if e.onDone != nil {
		e.onDone(e)
	}
	return true
}

// IsFree reports whether a pooled exchange is currently back in its pool.
// Non-pooled exchanges are never free.
func (e *Exchange) IsFree() bool {
	return e.pooled && !e.clock.IsSet()
}

// Generation returns the number of times the exchange has been released.
// Owners can capture it at acquisition and later verify with
// [Exchange.CheckGeneration] that the instance was not recycled under them.
func (e *Exchange) Generation() uint64 {
	return e.generation.Load()
}

// CheckGeneration returns [ErrReleased] if the exchange was released since
// gen was captured, or if it is currently free.
func (e *Exchange) CheckGeneration(gen uint64) error {
	if cur := e.generation.Load(); cur != gen {
		return fmt.Errorf("%w: generation %d, held %d", ErrReleased, cur, gen)
	}
	if e.IsFree() {
		return ErrReleased
	}
	return nil
}
