// Package bus fans transition events out to subscribers.
package bus

import (
	"sort"
	"sync"

	"phaseline/internal/domain"
)

// Listener receives every transition event status change.
type Listener func(domain.TransitionEvent)

// Bus delivers events to all current subscribers. Delivery order across
// subscribers is unspecified; a panicking subscriber never aborts delivery
// to the others.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]Listener
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]Listener)}
}

// Subscribe registers a listener and returns its subscription id.
func (b *Bus) Subscribe(fn Listener) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[b.nextID] = fn
	return b.nextID
}

// Unsubscribe removes a listener. Unknown ids are ignored.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Len returns the current subscriber count.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers evt to every subscriber registered at call time.
func (b *Bus) Publish(evt domain.TransitionEvent) {
	b.mu.RLock()
	ids := make([]int, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, b.subs[id])
	}
	b.mu.RUnlock()
	for _, fn := range listeners {
		deliver(fn, evt)
	}
}

func deliver(fn Listener, evt domain.TransitionEvent) {
	defer func() { _ = recover() }()
	fn(evt)
}
