// Package bus is the in-process pub/sub backbone: entity mutation signals
// drive eager cache invalidation, and debate lifecycle events feed the
// gateway's event stream.
package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Topics.
const (
	// TopicEntityMutated signals an upstream entity profile change; the
	// cache invalidator subscribes to it.
	TopicEntityMutated = "entity.mutated"

	TopicDebateStateChanged = "debate.state_changed"
	TopicDebateCompleted    = "debate.completed"
	TopicDebateEscalated    = "debate.escalated"
	TopicDebateFailed       = "debate.failed"

	TopicEscalationResolved = "escalation.resolved"

	TopicCycleCompleted = "cycle.completed"
)

// EntityMutatedEvent is published when an entity's profile changes.
type EntityMutatedEvent struct {
	EntityID string // mutated entity
	Revision string // new profile revision
}

// DebateStateChangedEvent is published on every debate transition.
type DebateStateChangedEvent struct {
	DebateID  string
	Pair      string // "aID|bID|kind"
	OldStatus string
	NewStatus string
	Round     int
}

// DebateSettledEvent is published on the terminal topics with the outcome.
type DebateSettledEvent struct {
	DebateID     string
	Pair         string
	Status       string
	Score        float64
	Disagreement float64
	Rounds       int
	Reason       string // escalation reason or failure cause
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss
// events (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is
// dropped.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- event:
			default:
				// Buffer full, drop event for this subscriber.
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
