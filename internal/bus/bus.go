// Package bus is a small in-process pub/sub bus with topic prefix matching.
// The rule store publishes subscription and status events on it; the
// controller picks them up on its own loop, keeping the two decoupled.
package bus

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Store event topics.
const (
	TopicSubscriptionAdded = "store.subscription_added"
	TopicStatusUpdated     = "store.status_updated"
	TopicDatabaseReloaded  = "store.database_reloaded"
)

// SubscriptionAddedEvent is published when a parsed rule references an MQTT
// topic the controller should subscribe to.
type SubscriptionAddedEvent struct {
	Topic string
}

// StatusUpdatedEvent carries the serialized rule-set document published as
// the retained service status.
type StatusUpdatedEvent struct {
	Document []byte
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

// Bus fans events out to prefix-matched subscribers. Delivery is
// non-blocking: slow consumers drop events rather than stall publishers.
type Bus struct {
	mu            sync.RWMutex
	subs          map[int]*Subscription
	nextID        int
	logger        *slog.Logger
	droppedEvents atomic.Int64
}

// New creates a new Bus. A nil logger suppresses drop warnings.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]*Subscription),
		logger: logger,
	}
}

// Subscribe creates a subscription for events matching the given topic
// prefix. An empty prefix matches all topics.
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
func (b *Bus) Publish(topic string, payload any) {
	event := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- event:
			default:
				count := b.droppedEvents.Add(1)
				if b.logger != nil && count%100 == 1 {
					b.logger.Warn("bus dropped events", "count", count, "topic", topic)
				}
			}
		}
	}
}

// DroppedEventCount returns the total number of events dropped due to full
// buffers.
func (b *Bus) DroppedEventCount() int64 {
	return b.droppedEvents.Load()
}
