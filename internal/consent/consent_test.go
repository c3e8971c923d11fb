package consent

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dmsg-chat/dmsg/internal/bus"
	"github.com/dmsg-chat/dmsg/internal/protocol"
	"github.com/dmsg-chat/dmsg/internal/protocol/protocoltest"
	"github.com/dmsg-chat/dmsg/internal/store"
)

type fixedSource struct {
	c   protocol.Client
	err error
}

func (f fixedSource) Client() (protocol.Client, error) { return f.c, f.err }

// failingClient wraps the fake client and rejects consent writes.
type failingClient struct {
	*protocoltest.Client
}

func (f failingClient) SetConsentState(context.Context, string, protocol.ConsentState) error {
	return &protocol.NetworkError{Op: "consent", Err: errors.New("unreachable")}
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

func TestGetDefaultsToUnknown(t *testing.T) {
	s, err := NewStore(fixedSource{c: protocoltest.NewClient("inbox")}, nil, nil, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if got := s.Get("0xnever"); got != protocol.ConsentUnknown {
		t.Errorf("Get = %s, want unknown", got)
	}
}

func TestLastWriteWins(t *testing.T) {
	s, err := NewStore(fixedSource{c: protocoltest.NewClient("inbox")}, nil, nil, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	base := time.Now()

	s.Set("0xabc", protocol.ConsentAllowed, base)
	// Earlier-stamped write loses.
	s.Set("0xabc", protocol.ConsentDenied, base.Add(-time.Minute))
	if got := s.Get("0xabc"); got != protocol.ConsentAllowed {
		t.Errorf("state = %s, want allowed after stale write", got)
	}
	// Later-stamped write wins; any state is reachable from any other.
	s.Set("0xabc", protocol.ConsentUnknown, base.Add(time.Minute))
	if got := s.Get("0xabc"); got != protocol.ConsentUnknown {
		t.Errorf("state = %s, want unknown", got)
	}
}

func TestSetBroadcastsChange(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("consent.", 10)
	defer sub.Cancel()

	s, err := NewStore(fixedSource{c: protocoltest.NewClient("inbox")}, nil, b, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	s.Set("0xabc", protocol.ConsentDenied, time.Now())

	select {
	case evt := <-sub.C:
		change := evt.Payload.(Change)
		if change.SubjectID != "0xabc" || change.State != protocol.ConsentDenied {
			t.Errorf("change = %+v", change)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for consent.changed")
	}
}

func TestAllowWritesThrough(t *testing.T) {
	fake := protocoltest.NewClient("inbox")
	s, err := NewStore(fixedSource{c: fake}, nil, nil, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Allow(context.Background(), "0xabc"); err != nil {
		t.Fatal(err)
	}
	if got := s.Get("0xabc"); got != protocol.ConsentAllowed {
		t.Errorf("local state = %s, want allowed", got)
	}
	// Network side saw the write too.
	netState, _ := fake.ConsentState(context.Background(), "0xabc")
	if netState != protocol.ConsentAllowed {
		t.Errorf("network state = %s, want allowed", netState)
	}
}

func TestDenyFailureLeavesLocalUnchanged(t *testing.T) {
	fake := protocoltest.NewClient("inbox")
	s, err := NewStore(fixedSource{c: failingClient{fake}}, nil, nil, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	s.Set("0xabc", protocol.ConsentAllowed, time.Now())

	err = s.Deny(context.Background(), "0xabc")
	var updErr *UpdateError
	if !errors.As(err, &updErr) {
		t.Fatalf("err = %v, want UpdateError", err)
	}
	if got := s.Get("0xabc"); got != protocol.ConsentAllowed {
		t.Errorf("local state = %s, want allowed (unchanged on failure)", got)
	}
}

func TestMirrorSurvivesRestart(t *testing.T) {
	db := testDB(t)
	src := fixedSource{c: protocoltest.NewClient("inbox")}

	s1, err := NewStore(src, db, nil, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	s1.Set("0xabc", protocol.ConsentDenied, time.Now())

	s2, err := NewStore(src, db, nil, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if got := s2.Get("0xabc"); got != protocol.ConsentDenied {
		t.Errorf("reloaded state = %s, want denied", got)
	}
}
