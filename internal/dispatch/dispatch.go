// Package dispatch fans decoded envelopes out to subscribers by event type.
package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"vestnik/internal/models"
)

// Handler receives the payload of an envelope of the subscribed type.
type Handler func(data json.RawMessage)

// EnvelopeHandler receives a full envelope.
type EnvelopeHandler func(env models.Envelope)

// Unsubscribe detaches exactly the subscription that returned it.
// Calling it more than once is a no-op.
type Unsubscribe func()

type slot struct {
	fn func(models.Envelope)
}

type Dispatcher struct {
	mu    sync.Mutex
	slots map[models.EventType][]*slot
}

func New() *Dispatcher {
	return &Dispatcher{
		slots: make(map[models.EventType][]*slot),
	}
}

// Subscribe registers h for envelopes of type t. Handlers for one type run in
// subscription order. Registering the same function twice creates two
// independent subscriptions.
func (d *Dispatcher) Subscribe(t models.EventType, h Handler) Unsubscribe {
	return d.add(t, func(env models.Envelope) {
		h(bytes.Clone(env.Data))
	})
}

// SubscribeAll registers h under the wildcard key. It runs after the typed
// handlers of every dispatched envelope.
func (d *Dispatcher) SubscribeAll(h EnvelopeHandler) Unsubscribe {
	return d.add(models.EventWildcard, func(env models.Envelope) {
		env.Data = bytes.Clone(env.Data)
		h(env)
	})
}

// On subscribes a handler that receives the payload decoded into T.
// Payloads that do not decode are logged and skipped.
func On[T any](d *Dispatcher, t models.EventType, fn func(T)) Unsubscribe {
	return d.Subscribe(t, func(data json.RawMessage) {
		var v T
		if err := models.DecodeData(data, &v); err != nil {
			slog.Warn("Dropping undecodable payload", "type", t, "error", err)
			return
		}
		fn(v)
	})
}

func (d *Dispatcher) add(key models.EventType, fn func(models.Envelope)) Unsubscribe {
	s := &slot{fn: fn}

	d.mu.Lock()
	next := make([]*slot, 0, len(d.slots[key])+1)
	next = append(next, d.slots[key]...)
	d.slots[key] = append(next, s)
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.remove(key, s) })
	}
}

func (d *Dispatcher) remove(key models.EventType, s *slot) {
	d.mu.Lock()
	defer d.mu.Unlock()

	current := d.slots[key]
	i := slices.Index(current, s)
	if i < 0 {
		return
	}
	if len(current) == 1 {
		delete(d.slots, key)
		return
	}
	d.slots[key] = slices.Delete(slices.Clone(current), i, i+1)
}

// Dispatch invokes the handlers for env.Type, then the wildcard handlers.
// Pong envelopes are never dispatched. A panicking handler is logged and
// does not stop the remaining handlers.
func (d *Dispatcher) Dispatch(env models.Envelope) {
	if env.Type == models.EventPong || env.Type == models.EventWildcard {
		return
	}

	d.mu.Lock()
	typed := d.slots[env.Type]
	wildcard := d.slots[models.EventWildcard]
	d.mu.Unlock()

	for _, s := range typed {
		invoke(s, env)
	}
	for _, s := range wildcard {
		invoke(s, env)
	}
}

// Count returns the number of subscriptions registered under t.
func (d *Dispatcher) Count(t models.EventType) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.slots[t])
}

// Clear removes every subscription.
func (d *Dispatcher) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.slots = make(map[models.EventType][]*slot)
}

func invoke(s *slot, env models.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Subscriber panicked", "type", env.Type, "panic", fmt.Sprint(r))
		}
	}()
	s.fn(env)
}
