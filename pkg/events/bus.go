// Package events implements an in-process typed publish/subscribe bus. It is
// the sole channel through which components observe each other: nothing
// holds a direct reference to another component's internals, matching the
// "no cyclic references, pass a sender handle only" rule applied throughout
// this module's orchestration layer.
package events

import (
	"sync"
)

// Topic names a class of event. Components agree on topic strings by
// convention; the bus itself is payload-agnostic.
type Topic string

// Event is a single published occurrence.
type Event struct {
	Topic   Topic
	Payload any
}

// Subscription receives events for the topics it was registered against.
// Delivery is per-topic FIFO for each individual subscriber: the bus never
// reorders events relative to one another within a topic, but there is no
// ordering guarantee across topics or across subscribers.
type Subscription struct {
	ch     chan Event
	bus    *Bus
	id     uint64
	topics map[Topic]struct{}
}

// C returns the channel on which this subscription receives events.
func (s *Subscription) C() <-chan Event { return s.ch }

// Close unregisters the subscription and drains any events still buffered
// on its channel.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
	for {
		select {
		case <-s.ch:
		default:
			return
		}
	}
}

// Bus is an in-process, typed pub/sub dispatcher. It never crosses a process
// boundary; the core is library-shaped and the bus is how its components
// stay decoupled from one another and from the hosting shell.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	byTopic map[Topic]map[uint64]struct{}
	nextID  uint64
	bufSize int
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize sets the per-subscriber channel buffer (default 64). A full
// buffer causes Publish to drop the event for that subscriber rather than
// block the publisher indefinitely; Publish reports how many deliveries were
// dropped.
func WithBufferSize(n int) Option {
	return func(b *Bus) { b.bufSize = n }
}

// New creates an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:    make(map[uint64]*Subscription),
		byTopic: make(map[Topic]map[uint64]struct{}),
		bufSize: 64,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe registers interest in the given topics and returns a
// Subscription whose channel receives matching events until Closed.
func (b *Bus) Subscribe(topics ...Topic) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		ch:     make(chan Event, b.bufSize),
		bus:    b,
		id:     b.nextID,
		topics: make(map[Topic]struct{}, len(topics)),
	}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
		if b.byTopic[t] == nil {
			b.byTopic[t] = make(map[uint64]struct{})
		}
		b.byTopic[t][sub.id] = struct{}{}
	}
	b.subs[sub.id] = sub
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub.id)
	for t := range sub.topics {
		delete(b.byTopic[t], sub.id)
	}
}

// Publish delivers an event to every subscriber registered for topic.
// Returns the number of subscribers whose buffer was full, for which the
// event was dropped rather than delivered.
func (b *Bus) Publish(topic Topic, payload any) (dropped int) {
	b.mu.RLock()
	ids := b.byTopic[topic]
	targets := make([]*Subscription, 0, len(ids))
	for id := range ids {
		targets = append(targets, b.subs[id])
	}
	b.mu.RUnlock()

	ev := Event{Topic: topic, Payload: payload}
	for _, sub := range targets {
		select {
		case sub.ch <- ev:
		default:
			dropped++
		}
	}
	return dropped
}

// SubscriberCount returns how many subscriptions are currently registered
// for topic. Intended for diagnostics and tests.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byTopic[topic])
}
