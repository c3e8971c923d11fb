// Package bus provides the in-process publish/subscribe event bus that ties
// the daemon's components together: lifecycle state changes, preview updates,
// consent changes, and unread-count changes all flow through it.
package bus

import (
	"strings"
	"sync"
	"time"
)

// Event is a domain event published on the bus. Kind is a dot-separated name
// ("client.state_changed", "sync.previews_changed"); subscribers filter by
// namespace prefix.
type Event struct {
	Kind    string
	At      time.Time
	Payload any
}

// Bus fans events out to subscribers. Delivery is non-blocking: an event is
// dropped for a subscriber whose buffer is full rather than stalling the
// publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// Subscription is a registered listener. Events arrive on C until Cancel.
type Subscription struct {
	C <-chan Event

	bus       *Bus
	namespace string
	ch        chan Event
	once      sync.Once
}

// Cancel deregisters the subscription. Idempotent.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
	})
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Publish delivers an event to every subscriber whose namespace is a prefix
// of kind.
func (b *Bus) Publish(kind string, payload any) {
	evt := Event{Kind: kind, At: time.Now(), Payload: payload}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if strings.HasPrefix(kind, s.namespace) {
			select {
			case s.ch <- evt:
			default:
			}
		}
	}
}

// Subscribe registers a listener for events whose kind starts with namespace.
// buf sets the channel buffer size.
func (b *Bus) Subscribe(namespace string, buf int) *Subscription {
	ch := make(chan Event, buf)
	s := &Subscription{C: ch, bus: b, namespace: namespace, ch: ch}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}
