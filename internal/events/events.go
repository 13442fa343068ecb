// Package events provides an in-process publish/subscribe bus for sync
// and classification notifications.
package events

import (
	"sync"
	"time"
)

// Event types published on the bus.
const (
	TypeSyncStarted       = "sync_started"
	TypeSyncCompleted     = "sync_completed"
	TypeSyncFailed        = "sync_failed"
	TypeMessageClassified = "message_classified"
	TypePendingFailed     = "pending_failed"
)

// Event is a bus notification. Data holds event-specific fields and must
// be treated as read-only by subscribers.
type Event struct {
	Type      string         `json:"type"`
	AccountID string         `json:"accountId,omitempty"`
	Time      time.Time      `json:"time"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus fans events out to subscribers. Each subscriber has a bounded
// buffer; when it fills, the oldest event is dropped so publishers never
// block on a slow consumer.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber with the given buffer size and returns
// its channel plus an unsubscribe function. The channel is closed on
// unsubscribe.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber. Full buffers shed their
// oldest event to make room.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		for {
			select {
			case ch <- ev:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}
