// Package event provides a lightweight in-process notification bus.
//
// Events are thin notifications: they carry identifiers, not payloads.
// Clients fetch current state over HTTP after a notification arrives, which
// keeps the bus free of ordering and staleness concerns.
package event

import (
	"sync"
)

// Event is implemented by every event type.
type Event interface {
	// EventName returns the unique name for this event type (e.g., "message.created")
	EventName() string
	// OwnerID returns the user the event belongs to; connections only
	// receive events for their own user.
	OwnerID() string
}

// Listener is a callback function for handling events.
type Listener func(Event)

// Emitter manages event subscriptions and dispatching. Listeners are keyed
// by a token so the unsubscribe closures remove exactly the registration they
// came from; functions are not comparable in Go.
type Emitter struct {
	mu           sync.RWMutex
	nextToken    uint64
	listeners    map[string]map[uint64]Listener
	allListeners map[uint64]Listener
}

// NewEmitter creates a new event emitter.
func NewEmitter() *Emitter {
	return &Emitter{
		listeners:    make(map[string]map[uint64]Listener),
		allListeners: make(map[uint64]Listener),
	}
}

// On subscribes to a specific event type. Returns an unsubscribe function;
// calling it more than once is harmless.
func (e *Emitter) On(eventName string, fn Listener) func() {
	e.mu.Lock()
	token := e.nextToken
	e.nextToken++
	if e.listeners[eventName] == nil {
		e.listeners[eventName] = make(map[uint64]Listener)
	}
	e.listeners[eventName][token] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners[eventName], token)
	}
}

// OnAny subscribes to all events.
func (e *Emitter) OnAny(fn Listener) func() {
	e.mu.Lock()
	token := e.nextToken
	e.nextToken++
	e.allListeners[token] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.allListeners, token)
	}
}

// Emit dispatches an event to all matching listeners. Delivery order between
// listeners is unspecified.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	// Copy listeners to avoid holding lock during callbacks
	specific := make([]Listener, 0, len(e.listeners[ev.EventName()]))
	for _, fn := range e.listeners[ev.EventName()] {
		specific = append(specific, fn)
	}
	all := make([]Listener, 0, len(e.allListeners))
	for _, fn := range e.allListeners {
		all = append(all, fn)
	}
	e.mu.RUnlock()

	for _, fn := range specific {
		fn(ev)
	}
	for _, fn := range all {
		fn(ev)
	}
}

// ---- Global Emitter ----

var globalEmitter *Emitter
var globalOnce sync.Once

// Global returns the global event emitter.
func Global() *Emitter {
	globalOnce.Do(func() {
		globalEmitter = NewEmitter()
	})
	return globalEmitter
}

// Emit is a shortcut for Global().Emit(ev).
func Emit(ev Event) {
	Global().Emit(ev)
}

// On is a shortcut for Global().On(eventName, fn).
func On(eventName string, fn Listener) func() {
	return Global().On(eventName, fn)
}
