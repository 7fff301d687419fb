package events

import (
	"sync"
	"testing"
	"time"
)

// mockSubscriber implements Subscriber for testing.
type mockSubscriber struct {
	mu       sync.Mutex
	events   []Event
	isClosed bool
}

func (m *mockSubscriber) Receive(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

func (m *mockSubscriber) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isClosed
}

func (m *mockSubscriber) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]Event, len(m.events))
	copy(cp, m.events)
	return cp
}

func TestBusEmit(t *testing.T) {
	bus := NewBus()
	sub := &mockSubscriber{}
	bus.Subscribe(sub)

	ev := Event{
		Kind:     EvDecision,
		Time:     time.Now(),
		Username: "alice",
		Address:  "10.0.0.5",
		Reason:   "accepted",
	}
	bus.Emit(ev)

	events := sub.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Username != "alice" {
		t.Errorf("expected username %q, got %q", "alice", events[0].Username)
	}
	if events[0].Kind != EvDecision {
		t.Errorf("expected kind EvDecision, got %v", events[0].Kind)
	}
}

func TestBusDropsClosedSubscribers(t *testing.T) {
	bus := NewBus()
	open := &mockSubscriber{}
	closed := &mockSubscriber{isClosed: true}
	bus.Subscribe(closed)
	bus.Subscribe(open)

	bus.Emit(Event{Kind: EvNotice, Text: "one"})
	bus.Emit(Event{Kind: EvNotice, Text: "two"})

	if got := len(closed.Events()); got != 0 {
		t.Errorf("closed subscriber received %d events", got)
	}
	if got := len(open.Events()); got != 2 {
		t.Errorf("open subscriber received %d events, want 2", got)
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()
	sub := &mockSubscriber{}
	bus.Subscribe(sub)
	bus.Unsubscribe(sub)
	bus.Emit(Event{Kind: EvNotice})
	if got := len(sub.Events()); got != 0 {
		t.Errorf("unsubscribed subscriber received %d events", got)
	}
}
