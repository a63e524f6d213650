// Package exchange provides the in-flight message unit of the intake runtime.
//
// An [Exchange] carries a request message, an optional response message,
// properties, variables, a captured failure and a [Clock]. Exchanges are
// created by a [Factory], which either allocates a fresh instance per call
// ([NewPrototypeFactory]) or recycles instances through a bounded pool
// ([NewPooledFactory]). Pooled exchanges are reset by [Exchange.Done] before
// they go back to the pool.
//
// An exchange has a single owner at a time and is not safe for concurrent use.
package exchange

import (
	"errors"
	"maps"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrReleased is returned when a pooled exchange is used or released after
// it has already been handed back to its pool.
var ErrReleased = errors.New("exchange: already released")

// UnitOfWork is the completion owner attached to an exchange.
// The concrete implementation lives in package uow.
type UnitOfWork interface {
	Done(ex *Exchange)
}

// Exchange is a mutable unit of in-flight work.
type Exchange struct {
	id         string
	endpoint   string
	pattern    Pattern
	in         Message
	out        Message
	properties map[string]any
	internal   map[InternalProperty]any
	safeCopies map[string]any
	variables  map[string]any
	err        error
	clock      *Clock
	unitOfWork UnitOfWork

	rollbackOnly     bool
	rollbackOnlyLast bool
	routeStop        bool
	autoRelease      bool

	// pooled state, constant for the lifetime of the instance
	pooled          bool
	originalPattern Pattern
	originalIn      reflect.Type
	onDone          func(*Exchange)

	generation atomic.Uint64
}

// New creates a non-pooled exchange bound to the given endpoint URI.
func New(endpoint string, pattern Pattern) *Exchange {
	return newExchange(endpoint, pattern, nil)
}

func newExchange(endpoint string, pattern Pattern, now func() time.Time) *Exchange {
	return &Exchange{
		endpoint: endpoint,
		pattern:  pattern,
		clock:    newClock(now),
	}
}

// ID returns the exchange identifier, generating a UUID on first use.
func (e *Exchange) ID() string {
	if e.id == "" {
		e.id = uuid.NewString()
	}
	return e.id
}

// SetID overrides the exchange identifier.
func (e *Exchange) SetID(id string) {
	e.id = id
}

// Endpoint returns the URI of the endpoint that created the exchange.
func (e *Exchange) Endpoint() string {
	return e.endpoint
}

// Pattern returns the exchange pattern.
func (e *Exchange) Pattern() Pattern {
	return e.pattern
}

// SetPattern changes the exchange pattern. Pooled exchanges restore their
// original pattern on [Exchange.Done].
func (e *Exchange) SetPattern(p Pattern) {
	e.pattern = p
}

// In returns the request message, creating a [DefaultMessage] on first access.
func (e *Exchange) In() Message {
	if e.in == nil {
		e.in = NewMessage()
	}
	return e.in
}

// SetIn replaces the request message.
func (e *Exchange) SetIn(m Message) {
	e.in = m
}

// Out returns the response message, creating a [DefaultMessage] on first access.
func (e *Exchange) Out() Message {
	if e.out == nil {
		e.out = NewMessage()
	}
	return e.out
}

// SetOut replaces the response message. Passing nil removes it.
func (e *Exchange) SetOut(m Message) {
	e.out = m
}

// HasOut reports whether a response message exists.
func (e *Exchange) HasOut() bool {
	return e.out != nil
}

// Property returns a property value and whether it exists.
func (e *Exchange) Property(name string) (any, bool) {
	v, ok := e.properties[name]
	return v, ok
}

// SetProperty sets a property. A nil value removes the property.
func (e *Exchange) SetProperty(name string, value any) {
	if value == nil {
		delete(e.properties, name)
		return
	}
	if e.properties == nil {
		e.properties = make(map[string]any)
	}
	e.properties[name] = value
}

// RemoveProperty deletes a property.
func (e *Exchange) RemoveProperty(name string) {
	delete(e.properties, name)
}

// Properties returns a copy of all properties. The result is never nil.
func (e *Exchange) Properties() map[string]any {
	if e.properties == nil {
		return map[string]any{}
	}
	return maps.Clone(e.properties)
}

// InternalProperty returns a runtime-owned property.
func (e *Exchange) InternalProperty(key InternalProperty) (any, bool) {
	v, ok := e.internal[key]
	return v, ok
}

// SetInternalProperty sets a runtime-owned property. A nil value removes it.
func (e *Exchange) SetInternalProperty(key InternalProperty, value any) {
	if value == nil {
		delete(e.internal, key)
		return
	}
	if e.internal == nil {
		e.internal = make(map[InternalProperty]any)
	}
	e.internal[key] = value
}

// HasInternalProperties reports whether any runtime-owned property is set.
func (e *Exchange) HasInternalProperties() bool {
	return len(e.internal) > 0
}

// SafeCopyProperty returns a snapshot value stored with [Exchange.SetSafeCopyProperty].
func (e *Exchange) SafeCopyProperty(name string) (any, bool) {
	v, ok := e.safeCopies[name]
	return v, ok
}

// SetSafeCopyProperty stores a deep-copied snapshot, such as a message body
// kept for redelivery. Callers are responsible for the copy.
func (e *Exchange) SetSafeCopyProperty(name string, value any) {
	if e.safeCopies == nil {
		e.safeCopies = make(map[string]any)
	}
	e.safeCopies[name] = value
}

// HasSafeCopyProperties reports whether any snapshot is stored.
func (e *Exchange) HasSafeCopyProperties() bool {
	return len(e.safeCopies) > 0
}

// Variable returns a variable value and whether it exists.
func (e *Exchange) Variable(name string) (any, bool) {
	v, ok := e.variables[name]
	return v, ok
}

// SetVariable sets a variable.
func (e *Exchange) SetVariable(name string, value any) {
	if e.variables == nil {
		e.variables = make(map[string]any)
	}
	e.variables[name] = value
}

// RemoveVariable deletes a variable.
func (e *Exchange) RemoveVariable(name string) {
	delete(e.variables, name)
}

// Variables returns a copy of all variables. The result is never nil.
func (e *Exchange) Variables() map[string]any {
	if e.variables == nil {
		return map[string]any{}
	}
	return maps.Clone(e.variables)
}

// Err returns the captured failure, if any.
func (e *Exchange) Err() error {
	return e.err
}

// SetErr captures a failure on the exchange. Passing nil clears it.
func (e *Exchange) SetErr(err error) {
	e.err = err
}

// IsFailed reports whether the exchange carries a failure.
func (e *Exchange) IsFailed() bool {
	return e.err != nil
}

// RollbackOnly reports whether the exchange is marked for rollback.
func (e *Exchange) RollbackOnly() bool {
	return e.rollbackOnly
}

// SetRollbackOnly marks the exchange for rollback.
func (e *Exchange) SetRollbackOnly(v bool) {
	e.rollbackOnly = v
}

// RollbackOnlyLast reports whether only the last transaction should roll back.
func (e *Exchange) RollbackOnlyLast() bool {
	return e.rollbackOnlyLast
}

// SetRollbackOnlyLast marks only the last transaction for rollback.
func (e *Exchange) SetRollbackOnlyLast(v bool) {
	e.rollbackOnlyLast = v
}

// RouteStop reports whether routing should stop for this exchange.
func (e *Exchange) RouteStop() bool {
	return e.routeStop
}

// SetRouteStop marks the exchange so no further routing happens.
func (e *Exchange) SetRouteStop(v bool) {
	e.routeStop = v
}

// Clock returns the exchange clock.
func (e *Exchange) Clock() *Clock {
	return e.clock
}

// UnitOfWork returns the attached unit of work, or nil.
func (e *Exchange) UnitOfWork() UnitOfWork {
	return e.unitOfWork
}

// SetUnitOfWork attaches a unit of work. Passing nil detaches it.
func (e *Exchange) SetUnitOfWork(u UnitOfWork) {
	e.unitOfWork = u
}

// AutoRelease reports whether the exchange is released back to its factory
// when its unit of work completes.
func (e *Exchange) AutoRelease() bool {
	return e.autoRelease
}

// SetAutoRelease sets the auto-release flag.
func (e *Exchange) SetAutoRelease(v bool) {
	e.autoRelease = v
}

// Pooled reports whether the exchange belongs to a pooled factory.
func (e *Exchange) Pooled() bool {
	return e.pooled
}
