package bus

import (
	"strings"
	"sync"
	"time"
)

// Broker is an in-process publish/subscribe event broker with
// namespace-prefix filtering. Delivery is non-blocking: a subscriber
// whose buffer is full misses the event rather than stalling the
// publisher.
type Broker struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64
}

type subscription struct {
	prefix string
	ch     chan Event
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{subs: make(map[uint64]*subscription)}
}

// Publish delivers evt to every subscriber whose prefix matches evt.Kind.
func (b *Broker) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.prefix) {
			select {
			case sub.ch <- evt:
			default:
				// Subscriber buffer full; drop rather than block.
			}
		}
	}
}

// Emit publishes a payload under the given kind stamped with the current time.
func (b *Broker) Emit(kind string, payload any) {
	b.Publish(Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// Subscribe registers a subscriber for events whose kind starts with
// prefix. An empty prefix receives everything. bufSize controls the
// channel buffer. The returned cancel func removes the subscription.
func (b *Broker) Subscribe(prefix string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = &subscription{prefix: prefix, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Subscribers returns the current subscription count.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
