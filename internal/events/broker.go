package events

import (
	"context"
	"sync"
)

// subscriberBufferSize is the channel buffer for each subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Broker fans events out to in-process subscribers, keyed by execution id.
// It implements Publisher and is safe for concurrent use.
//
// A topic closes itself after its terminal event and is removed. A topic
// exists only while it has subscribers, so the broker holds nothing for
// executions nobody is watching. Subscribing after the terminal event yields
// a channel that never receives; callers check the persisted state after
// subscribing.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan Event
	nextID int
}

// NewBroker creates a new broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*topic),
	}
}

// Subscribe returns a channel that receives events for the given execution
// and an unsubscribe function. The channel is closed after the execution's
// terminal event.
func (b *Broker) Subscribe(executionID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[executionID]
	if !ok {
		t = &topic{subs: make(map[int]chan Event)}
		b.topics[executionID] = t
	}

	ch := make(chan Event, subscriberBufferSize)
	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := t.subs[id]; !ok {
			return
		}
		delete(t.subs, id)
		if len(t.subs) == 0 && b.topics[executionID] == t {
			delete(b.topics, executionID)
		}
	}
}

// Publish delivers ev to all subscribers of its execution without blocking.
// A terminal event closes the topic after delivery.
func (b *Broker) Publish(_ context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := ev.Data.ExecutionID
	t, ok := b.topics[id]
	if ok {
		for _, ch := range t.subs {
			select {
			case ch <- ev:
			default:
				// Drop for slow subscribers; publishing must not block the worker.
			}
		}
	}

	if ev.terminal() {
		b.closeLocked(id)
	}
	return nil
}

// Close signals that no more events will be published for the execution.
func (b *Broker) Close(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked(executionID)
}

func (b *Broker) closeLocked(executionID string) {
	t, ok := b.topics[executionID]
	if !ok {
		return
	}
	delete(b.topics, executionID)
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Topics returns the number of executions with live subscribers.
func (b *Broker) Topics() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}
