package pubsub

import (
	"sync"
	"sync/atomic"
)

// EventType is the type of event subscribers are listening for. This is
// a base type: packages using the bus declare their own constants.
type EventType int

// SubscriberID is a unique identifier for a single subscription
// instance. It is returned upon subscribing and is required to
// unsubscribe.
type SubscriberID uint64

// Event is a generic event with compile-time type safety for payloads.
type Event[T any] struct {
	Type    EventType
	Payload T
}

// NewEvent builds an event of the given type
func NewEvent[T any](eventType EventType, payload T) *Event[T] {
	return &Event[T]{
		Type:    eventType,
		Payload: payload,
	}
}

// subscriber holds the delivery closure for a single subscription.
//
// Channels of different Event[T] instantiations are distinct types and
// cannot share a registry map, so the registry stores type-erased send
// functions instead: each closure captures its own typed channel and
// performs the assertion once, at subscribe time.
type subscriber struct {
	eventType EventType
	send      func(event any) bool
}

// Bus is a minimal publish/subscribe broker. Delivery is non-blocking:
// events for a subscriber whose channel is full are dropped.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[SubscriberID]*subscriber
	nextID      atomic.Uint64
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[SubscriberID]*subscriber),
	}
}

// Subscribe registers interest in events of the given type and returns
// the subscription id together with the channel events arrive on. The
// channel is buffered with the given capacity.
func Subscribe[T any](b *Bus, eventType EventType, buffer int) (SubscriberID, <-chan *Event[T]) {
	ch := make(chan *Event[T], buffer)

	sub := &subscriber{
		eventType: eventType,
		send: func(event any) bool {
			typed, ok := event.(*Event[T])
			if !ok {
				return false
			}
			select {
			case ch <- typed:
				return true
			default:
				return false
			}
		},
	}

	id := SubscriberID(b.nextID.Add(1))
	b.mu.Lock()
	b.subscribers[id] = sub
	b.mu.Unlock()

	return id, ch
}

// Unsubscribe removes a subscription. Events already buffered on the
// subscriber's channel remain readable.
func (b *Bus) Unsubscribe(id SubscriberID) {
	b.mu.Lock()
	delete(b.subscribers, id)
	b.mu.Unlock()
}

// Publish delivers an event to every subscriber of its type
func Publish[T any](b *Bus, event *Event[T]) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if sub.eventType == event.Type {
			sub.send(event)
		}
	}
}

// NumSubscribers returns the number of active subscriptions
func (b *Bus) NumSubscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
