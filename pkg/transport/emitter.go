package transport

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/pulsedeck/realtime/pkg/wire"
)

// Handler receives one dispatched message. Handlers for a given event type
// run in registration order on the dispatch goroutine, never concurrently
// with each other.
type Handler func(wire.Message)

type handlerEntry struct {
	id int64
	fn Handler
}

// Emitter is a typed event dispatcher keyed by message type. Registration
// returns an unsubscribe func; there are no runtime payload casts, handlers
// decode wire payloads through wire.Message.Decode.
type Emitter struct {
	mu       sync.Mutex
	nextID   int64
	handlers map[string][]handlerEntry
}

// NewEmitter returns an empty dispatcher.
func NewEmitter() *Emitter {
	return &Emitter{handlers: map[string][]handlerEntry{}}
}

// On registers a handler for an event type and returns its unsubscribe func.
func (e *Emitter) On(eventType string, fn Handler) func() {
	if e == nil || fn == nil {
		return func() {}
	}
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.handlers[eventType] = append(e.handlers[eventType], handlerEntry{id: id, fn: fn})
	e.mu.Unlock()

	return func() { e.off(eventType, id) }
}

func (e *Emitter) off(eventType string, id int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entries := e.handlers[eventType]
	for i, entry := range entries {
		if entry.id == id {
			e.handlers[eventType] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// Emit dispatches msg to every handler registered for its type. A panicking
// handler is recovered and logged so one bad consumer cannot take down the
// read loop or starve the other handlers.
func (e *Emitter) Emit(msg wire.Message) {
	if e == nil {
		return
	}
	e.mu.Lock()
	entries := append([]handlerEntry(nil), e.handlers[msg.Type]...)
	e.mu.Unlock()

	for _, entry := range entries {
		dispatch(entry.fn, msg)
	}
}

func dispatch(fn Handler, msg wire.Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("event_type", msg.Type).Msg("event handler panicked")
		}
	}()
	fn(msg)
}
