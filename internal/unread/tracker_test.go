package unread

import (
	"testing"
	"time"

	"github.com/dmsg-chat/dmsg/internal/bus"
	"github.com/dmsg-chat/dmsg/internal/protocol"
)

func msg(conv, sender string) *protocol.Message {
	return &protocol.Message{ID: conv + "-" + sender, ConversationID: conv, SenderID: sender}
}

func TestUnreadAccounting(t *testing.T) {
	tr := NewTracker(nil)

	// Conversation X inactive: three messages from other senders.
	tr.Observe(msg("X", "0xpeer"))
	tr.Observe(msg("X", "0xpeer"))
	tr.Observe(msg("X", "0xother"))
	if got := tr.Count("X"); got != 3 {
		t.Fatalf("count = %d, want 3", got)
	}

	// Activation resets to zero.
	tr.SetActive("X")
	if got := tr.Count("X"); got != 0 {
		t.Fatalf("count after SetActive = %d, want 0", got)
	}

	// A message while active stays at zero.
	tr.Observe(msg("X", "0xpeer"))
	if got := tr.Count("X"); got != 0 {
		t.Fatalf("count while active = %d, want 0", got)
	}
}

func TestOwnMessagesNotCounted(t *testing.T) {
	tr := NewTracker(nil)
	tr.SetLocalUser("inbox-self")

	tr.Observe(msg("X", "inbox-self"))
	tr.Observe(msg("X", "0xpeer"))
	if got := tr.Count("X"); got != 1 {
		t.Errorf("count = %d, want 1 (own message ignored)", got)
	}
}

func TestDeactivationNotRetroactive(t *testing.T) {
	tr := NewTracker(nil)

	tr.SetActive("X")
	tr.Observe(msg("X", "0xpeer"))
	tr.SetActive("")
	if got := tr.Count("X"); got != 0 {
		t.Errorf("count = %d, want 0 (delivered-while-active stays read)", got)
	}

	tr.Observe(msg("X", "0xpeer"))
	if got := tr.Count("X"); got != 1 {
		t.Errorf("count = %d, want 1 after deactivation", got)
	}
}

func TestCountsSnapshot(t *testing.T) {
	tr := NewTracker(nil)
	tr.Observe(msg("X", "0xpeer"))
	tr.Observe(msg("Y", "0xpeer"))

	counts := tr.Counts()
	if counts["X"] != 1 || counts["Y"] != 1 {
		t.Errorf("counts = %v", counts)
	}
	// Mutating the snapshot does not affect the tracker.
	counts["X"] = 99
	if tr.Count("X") != 1 {
		t.Error("snapshot mutation leaked into tracker")
	}
}

func TestChangeEvents(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("unread.", 10)
	defer sub.Cancel()

	tr := NewTracker(b)
	tr.Observe(msg("X", "0xpeer"))

	select {
	case evt := <-sub.C:
		change := evt.Payload.(Change)
		if change.ConversationID != "X" || change.Count != 1 {
			t.Errorf("change = %+v", change)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unread.changed")
	}

	tr.SetActive("X")
	select {
	case evt := <-sub.C:
		change := evt.Payload.(Change)
		if change.Count != 0 {
			t.Errorf("reset change = %+v, want count 0", change)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for reset event")
	}
}
