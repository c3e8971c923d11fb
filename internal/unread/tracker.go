// Package unread tracks per-conversation unread counts, scoped to the
// "currently viewed" conversation supplied by the presentation layer.
package unread

import (
	"sync"

	"github.com/dmsg-chat/dmsg/internal/bus"
	"github.com/dmsg-chat/dmsg/internal/protocol"
)

// Change is the payload of unread.changed bus events.
type Change struct {
	ConversationID string
	Count          int
}

// Tracker maintains unread counts. A message increments its conversation's
// count unless the conversation is currently active or the sender is the
// local user. Activating a conversation resets its count; deactivating does
// not retroactively mark delivered messages unread.
type Tracker struct {
	bus *bus.Bus

	mu      sync.RWMutex
	counts  map[string]int
	active  string
	localID string
}

// NewTracker creates an empty tracker.
func NewTracker(b *bus.Bus) *Tracker {
	return &Tracker{bus: b, counts: make(map[string]int)}
}

// SetLocalUser records the local identity so own messages never count as
// unread. Called when the client becomes ready.
func (t *Tracker) SetLocalUser(id string) {
	t.mu.Lock()
	t.localID = id
	t.mu.Unlock()
}

// Observe processes a message seen on the global stream.
func (t *Tracker) Observe(msg *protocol.Message) {
	t.mu.Lock()
	if msg.ConversationID == t.active || (t.localID != "" && msg.SenderID == t.localID) {
		t.mu.Unlock()
		return
	}
	t.counts[msg.ConversationID]++
	count := t.counts[msg.ConversationID]
	t.mu.Unlock()

	if t.bus != nil {
		t.bus.Publish("unread.changed", Change{ConversationID: msg.ConversationID, Count: count})
	}
}

// SetActive marks a conversation as currently viewed and resets its count.
// An empty id means no conversation is active.
func (t *Tracker) SetActive(conversationID string) {
	t.mu.Lock()
	t.active = conversationID
	var reset bool
	if conversationID != "" && t.counts[conversationID] != 0 {
		delete(t.counts, conversationID)
		reset = true
	}
	t.mu.Unlock()

	if reset && t.bus != nil {
		t.bus.Publish("unread.changed", Change{ConversationID: conversationID, Count: 0})
	}
}

// Active returns the currently viewed conversation id, or "".
func (t *Tracker) Active() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active
}

// Count returns the unread count for one conversation.
func (t *Tracker) Count(conversationID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.counts[conversationID]
}

// Counts returns a copy of all non-zero unread counts.
func (t *Tracker) Counts() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]int, len(t.counts))
	for id, n := range t.counts {
		out[id] = n
	}
	return out
}
