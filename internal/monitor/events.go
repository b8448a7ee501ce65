package monitor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// EventType names a state change published on the bus
type EventType string

const (
	EventAttemptRecorded   EventType = "attempt.recorded"
	EventActivityFlagged   EventType = "activity.flagged"
	EventActivityUpdated   EventType = "activity.updated"
	EventIdentityBlocked   EventType = "identity.blocked"
	EventIdentityUnblocked EventType = "identity.unblocked"
	EventOriginBlocked     EventType = "origin.blocked"
	EventOriginUnblocked   EventType = "origin.unblocked"
	EventRateLimitTripped  EventType = "ratelimit.tripped"
	EventDeviceRegistered  EventType = "device.registered"
	EventDeviceRevoked     EventType = "device.revoked"
	EventSessionCreated    EventType = "session.created"
	EventSessionTerminated EventType = "session.terminated"
	EventPoliciesReplaced  EventType = "policies.replaced"
	EventRulesReplaced     EventType = "rules.replaced"
)

// Event is a state-change notification
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Identity  string                 `json:"identity,omitempty"`
	Origin    string                 `json:"origin,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Handler consumes events on its own goroutine
type Handler func(Event)

type subscriber struct {
	name    string
	events  chan Event
	handler Handler
	dropped atomic.Int64
}

// Bus fans events out to independent subscribers. Publishing never blocks;
// a subscriber whose buffer is full loses the event.
type Bus struct {
	subscribers []*subscriber
	buffer      int
	closed      bool
	mutex       sync.RWMutex
	wg          sync.WaitGroup
	logger      *logrus.Logger
	now         func() time.Time
}

// NewBus creates a bus whose subscribers buffer up to buffer events each
func NewBus(buffer int, logger *logrus.Logger) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{
		buffer: buffer,
		logger: logger,
		now:    time.Now,
	}
}

// Subscribe starts a consumer goroutine for handler
func (b *Bus) Subscribe(name string, handler Handler) {
	sub := &subscriber{
		name:    name,
		events:  make(chan Event, b.buffer),
		handler: handler,
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.closed {
		return
	}
	b.subscribers = append(b.subscribers, sub)

	b.wg.Add(1)
	go b.consume(sub)
}

// Publish delivers evt to every subscriber without blocking
func (b *Bus) Publish(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = b.now()
	}

	b.mutex.RLock()
	defer b.mutex.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subscribers {
		select {
		case sub.events <- evt:
		default:
			if sub.dropped.Add(1)%100 == 1 {
				b.logger.WithFields(logrus.Fields{
					"subscriber": sub.name,
					"event_type": evt.Type,
					"dropped":    sub.dropped.Load(),
				}).Warn("Event subscriber buffer full, dropping events")
			}
		}
	}
}

// Dropped returns the number of events each subscriber lost
func (b *Bus) Dropped() map[string]int64 {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	out := make(map[string]int64, len(b.subscribers))
	for _, sub := range b.subscribers {
		out[sub.name] = sub.dropped.Load()
	}
	return out
}

// Close stops accepting events and waits for subscribers to drain
func (b *Bus) Close() {
	b.mutex.Lock()
	if b.closed {
		b.mutex.Unlock()
		return
	}
	b.closed = true
	for _, sub := range b.subscribers {
		close(sub.events)
	}
	b.mutex.Unlock()

	b.wg.Wait()
}

func (b *Bus) consume(sub *subscriber) {
	defer b.wg.Done()
	for evt := range sub.events {
		b.dispatch(sub, evt)
	}
}

func (b *Bus) dispatch(sub *subscriber, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(logrus.Fields{
				"subscriber": sub.name,
				"event_type": evt.Type,
				"panic":      r,
			}).Error("Event subscriber panicked")
		}
	}()
	sub.handler(evt)
}
