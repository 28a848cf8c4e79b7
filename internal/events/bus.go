package events

import (
	"reflect"
	"sync"

	"conclave/internal/logging"

	"go.uber.org/zap"
)

// Bus dispatches published events to subscribers keyed by session id and
// keeps a bounded per-session retention ring so a late subscriber can
// replay history. Subscriber channels are buffered; a slow consumer drops
// events rather than blocking the engine.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan<- Event
	retained    map[string][]Event
	retention   int
	chanDepth   int
}

// NewBus creates a bus. retention bounds the per-session replay ring;
// chanDepth sets per-subscriber channel buffering.
func NewBus(retention, chanDepth int) *Bus {
	if retention < 1 {
		retention = 512
	}
	if chanDepth < 1 {
		chanDepth = 64
	}
	return &Bus{
		subscribers: make(map[string][]chan<- Event),
		retained:    make(map[string][]Event),
		retention:   retention,
		chanDepth:   chanDepth,
	}
}

// Publish dispatches an event to the session's subscribers and retains it.
// Calls for one session arrive in sequence order from the publisher; the
// bus preserves that order.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	ring := append(b.retained[event.SessionID], event)
	if len(ring) > b.retention {
		ring = ring[len(ring)-b.retention:]
	}
	b.retained[event.SessionID] = ring
	subs := b.subscribers[event.SessionID]
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub <- event:
		default:
			logging.Get(logging.CategoryEvents).Warn("dropping event for slow subscriber",
				zap.String("session_id", event.SessionID),
				zap.String("event_type", string(event.Type)),
				zap.Uint64("sequence", event.Sequence))
		}
	}
}

// Subscribe returns a channel of future events for a session plus a copy
// of the retained history so the caller can reconstruct the full stream.
func (b *Bus) Subscribe(sessionID string) (<-chan Event, []Event) {
	ch := make(chan Event, b.chanDepth)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[sessionID] = append(b.subscribers[sessionID], ch)
	history := make([]Event, len(b.retained[sessionID]))
	copy(history, b.retained[sessionID])
	return ch, history
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Bus) Unsubscribe(sessionID string, ch <-chan Event) {
	if ch == nil {
		return
	}
	target := reflect.ValueOf(ch).Pointer()

	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[sessionID]
	for i, sub := range subs {
		if reflect.ValueOf(sub).Pointer() == target {
			b.subscribers[sessionID] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
}

// Retained returns a copy of the retained events for a session.
func (b *Bus) Retained(sessionID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	history := make([]Event, len(b.retained[sessionID]))
	copy(history, b.retained[sessionID])
	return history
}

// Close closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subs := range b.subscribers {
		for _, sub := range subs {
			close(sub)
		}
	}
	b.subscribers = make(map[string][]chan<- Event)
}
