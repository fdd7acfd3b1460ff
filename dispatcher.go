package chatsync

import (
	"sync"

	"github.com/rs/zerolog"
)

// Handler receives events from a Dispatcher.
type Handler func(Event)

// Subscription identifies one registration. Pass it to Off to unsubscribe.
type Subscription struct {
	name EventName
	id   uint64
}

// Name returns the event the subscription listens to.
func (s Subscription) Name() EventName { return s.name }

type registration struct {
	id      uint64
	handler Handler
}

// Dispatcher is a synchronous in-process publish/subscribe registry. Emit
// runs every current subscriber for the event, in subscription order, on the
// caller's goroutine. Events with no subscriber are dropped.
type Dispatcher struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[EventName][]registration
	logger   zerolog.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[EventName][]registration),
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}

// On appends h to the subscribers of name. Registering the same function
// twice yields two independent subscriptions.
func (d *Dispatcher) On(name EventName, h Handler) Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.handlers[name] = append(d.handlers[name], registration{id: d.nextID, handler: h})
	return Subscription{name: name, id: d.nextID}
}

// Off removes a subscription. It reports whether the subscription was live.
func (d *Dispatcher) Off(sub Subscription) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	regs := d.handlers[sub.name]
	for i, r := range regs {
		if r.id != sub.id {
			continue
		}
		next := make([]registration, 0, len(regs)-1)
		next = append(next, regs[:i]...)
		next = append(next, regs[i+1:]...)
		if len(next) == 0 {
			delete(d.handlers, sub.name)
		} else {
			d.handlers[sub.name] = next
		}
		return true
	}
	return false
}

// Emit delivers ev to the subscribers registered when Emit was called.
// A panicking handler is logged and does not stop the others.
func (d *Dispatcher) Emit(ev Event) {
	d.mu.RLock()
	regs := d.handlers[ev.Name()]
	d.mu.RUnlock()
	for _, r := range regs {
		d.call(r, ev)
	}
}

func (d *Dispatcher) call(r registration, ev Event) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error().Interface("panic", p).Str("event", string(ev.Name())).Msg("event handler panicked")
		}
	}()
	r.handler(ev)
}

// Count returns the number of subscribers for name.
func (d *Dispatcher) Count(name EventName) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[name])
}

// Reset drops every registration.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = make(map[EventName][]registration)
}

// Subscribe registers a handler for the event variant T.
//
//	sub := chatsync.Subscribe(d, func(ev chatsync.MessageReceived) { ... })
//	defer d.Off(sub)
func Subscribe[T Event](d *Dispatcher, fn func(T)) Subscription {
	var zero T
	return d.On(zero.Name(), func(ev Event) {
		if typed, ok := ev.(T); ok {
			fn(typed)
		}
	})
}
