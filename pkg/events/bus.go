// Package events carries structured admission events from the arbiter to
// whoever wants them: the audit log, the SQLite mirror, the admin live feed.
package events

import "sync"

// Subscriber receives events from the bus.
type Subscriber interface {
	Receive(ev Event)
	Closed() bool
}

// Bus is a broadcast event bus. Emit is safe to call from any goroutine;
// closed subscribers are dropped lazily on the next emit.
type Bus struct {
	mu   sync.RWMutex
	subs []Subscriber
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a subscriber for all events.
func (b *Bus) Subscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, sub)
}

// Unsubscribe removes a subscriber.
func (b *Bus) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
}

// Emit delivers an event to every live subscriber and prunes closed ones.
func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	var dead []Subscriber
	for _, s := range subs {
		if s.Closed() {
			dead = append(dead, s)
			continue
		}
		s.Receive(ev)
	}
	for _, s := range dead {
		b.Unsubscribe(s)
	}
}
