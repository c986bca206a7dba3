// Package bus is the in-process broadcast hub. State-change events fan
// out from the sampler, the file store, and the gateway-facing managers
// to every live viewer connection with best-effort, at-most-once
// delivery: payloads are always full snapshots or full documents, so a
// dropped event is superseded by the next one.
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

// Viewer-facing event topics.
const (
	TopicSystemStats   = "system.stats"
	TopicGatewayStatus = "gateway.status"
	TopicDataUpdate    = "data.update"

	TopicTaskCreated = "task.created"
	TopicTaskUpdated = "task.updated"
	TopicTaskDeleted = "task.deleted"

	TopicSessionSpawned = "session.spawned"
	TopicSessionDeleted = "session.deleted"
	TopicMessageSent    = "message.sent"

	TopicPreferenceSubmitted = "preference.submitted"
	TopicPreferenceResolved  = "preference.resolved"

	TopicCronJobAdded   = "cron.job_added"
	TopicCronJobRun     = "cron.job_run"
	TopicHeartbeatState = "heartbeat.state_changed"
)

// DataUpdateEvent is published after every successful store write that
// changed viewer-visible state.
type DataUpdateEvent struct {
	Name string      // logical document name, e.g. "tasks"
	Data interface{} // the full new document
}

// GatewayStatusEvent is published when gateway connectivity flips.
type GatewayStatusEvent struct {
	Status    string // "connected" or "error"
	Error     string // last failure message, empty when connected
	Timestamp string // RFC 3339
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
	onDrop func(topic string)
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

// OnDrop registers a callback invoked once per event dropped for a slow
// subscriber. The callback runs on the publisher's goroutine and must
// not block. Set it during wiring, before Publish traffic starts.
func (b *Bus) OnDrop(fn func(topic string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDrop = fn
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
// dropped. The publisher never waits on a slow or dead consumer.
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
				if b.onDrop != nil {
					b.onDrop(topic)
				}
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
