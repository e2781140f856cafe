// Package bus is the in-process publish/subscribe channel that keeps
// sibling UI surfaces loosely in sync. Delivery is synchronous and
// best-effort: consumers must tolerate duplicate or missed events and
// never rely on the bus for correctness.
package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Topic is a closed set of refresh hints.
type Topic string

const (
	TopicSessionCreated Topic = "session-created"
	TopicMessageSent    Topic = "message-sent"
)

// Event is one published hint. SessionID is the only payload.
type Event struct {
	ID        string
	Topic     Topic
	SessionID string
	At        time.Time
}

// Handler consumes events for one topic. Handlers run synchronously on
// the publisher's goroutine and must not block.
type Handler func(Event)

// Bus fans events out to subscribers. Safe for concurrent use.
type Bus struct {
	mu   sync.RWMutex
	next int
	subs map[Topic]map[int]Handler
}

// New constructs an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[Topic]map[int]Handler)}
}

// Subscribe registers a handler for a topic and returns an unsubscribe
// function. Unsubscribing twice is harmless.
func (b *Bus) Subscribe(topic Topic, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]Handler)
	}
	id := b.next
	b.next++
	b.subs[topic][id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[topic], id)
	}
}

// Publish delivers an event to every current subscriber of the topic.
func (b *Bus) Publish(topic Topic, sessionID string) {
	ev := Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		SessionID: sessionID,
		At:        time.Now().UTC(),
	}
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[topic]))
	for _, h := range b.subs[topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}
