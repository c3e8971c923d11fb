package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dmsg-chat/dmsg/internal/bus"
	"github.com/dmsg-chat/dmsg/internal/metrics"
	"github.com/dmsg-chat/dmsg/internal/store"
)

// mockSender records calls and returns configurable results.
type mockSender struct {
	mu    sync.Mutex
	calls []sendCall
	err   error
}

type sendCall struct {
	ConversationID string
	Text           string
}

func (m *mockSender) SendText(_ context.Context, conversationID, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, sendCall{ConversationID: conversationID, Text: text})
	if m.err != nil {
		return "", m.err
	}
	return "net-" + conversationID, nil
}

func (m *mockSender) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSenderDeliversQueuedMessages(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockSender{}
	s := NewSender(db, mock, b, metrics.New(), zap.NewNop())
	s.SetLocalID("me")

	sub := b.Subscribe("message.send_ack", 10)
	defer sub.Cancel()

	clientMsgID, err := s.Enqueue("conv-1", "hello")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	s.ProcessPending(context.Background())

	select {
	case evt := <-sub.C:
		payload := evt.Payload.(map[string]string)
		if payload["client_msg_id"] != clientMsgID {
			t.Fatalf("ack for %s, want %s", payload["client_msg_id"], clientMsgID)
		}
		if payload["server_msg_id"] != "net-conv-1" {
			t.Fatalf("server_msg_id = %s", payload["server_msg_id"])
		}
	case <-time.After(time.Second):
		t.Fatal("no send_ack event")
	}

	if mock.callCount() != 1 {
		t.Fatalf("SendText called %d times, want 1", mock.callCount())
	}

	msgs, err := db.ListMessages("conv-1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Status != "sent" {
		t.Fatalf("stored message = %+v, want one with status sent", msgs)
	}

	// Drained entries stay drained.
	s.ProcessPending(context.Background())
	if mock.callCount() != 1 {
		t.Fatalf("entry re-sent after success")
	}
}

func TestSenderMarksFailures(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockSender{err: errors.New("peer unreachable")}
	s := NewSender(db, mock, b, metrics.New(), zap.NewNop())

	sub := b.Subscribe("message.send_failed", 10)
	defer sub.Cancel()

	clientMsgID, err := s.Enqueue("conv-1", "hello")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	s.ProcessPending(context.Background())

	select {
	case evt := <-sub.C:
		payload := evt.Payload.(map[string]string)
		if payload["client_msg_id"] != clientMsgID {
			t.Fatalf("failure for %s, want %s", payload["client_msg_id"], clientMsgID)
		}
	case <-time.After(time.Second):
		t.Fatal("no send_failed event")
	}

	msgs, err := db.ListMessages("conv-1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Status != "failed" {
		t.Fatalf("stored message = %+v, want one with status failed", msgs)
	}

	// Failed entries are not retried automatically.
	s.ProcessPending(context.Background())
	if mock.callCount() != 1 {
		t.Fatalf("failed entry retried")
	}
}

// The daemon starts the sender loop before the client handshake finishes,
// so SetLocalID races with ProcessPending under the race detector unless
// the local id is guarded.
func TestSetLocalIDConcurrentWithProcessing(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockSender{}
	s := NewSender(db, mock, b, metrics.New(), zap.NewNop())

	for i := 0; i < 4; i++ {
		if _, err := s.Enqueue("conv-1", "msg"); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			s.SetLocalID("inbox-late")
		}
	}()
	s.ProcessPending(context.Background())
	<-done

	if got := s.localSender(); got != "inbox-late" {
		t.Fatalf("localID = %q, want inbox-late", got)
	}
	if mock.callCount() != 4 {
		t.Fatalf("SendText called %d times, want 4", mock.callCount())
	}
}

func TestSenderLoopPicksUpNewEntries(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockSender{}
	s := NewSender(db, mock, b, metrics.New(), zap.NewNop())

	sub := b.Subscribe("message.send_ack", 10)
	defer sub.Cancel()

	s.Start(context.Background())
	defer s.Stop()

	if _, err := s.Enqueue("conv-1", "queued while running"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case <-sub.C:
	case <-time.After(3 * time.Second):
		t.Fatal("sender loop never picked up the entry")
	}
}
