package daemon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dmsg-chat/dmsg/internal/bus"
	"github.com/dmsg-chat/dmsg/internal/consent"
	"github.com/dmsg-chat/dmsg/internal/lifecycle"
	"github.com/dmsg-chat/dmsg/internal/lock"
	"github.com/dmsg-chat/dmsg/internal/metrics"
	"github.com/dmsg-chat/dmsg/internal/outbox"
	"github.com/dmsg-chat/dmsg/internal/protocol"
	"github.com/dmsg-chat/dmsg/internal/protocol/protocoltest"
	"github.com/dmsg-chat/dmsg/internal/reputation"
	"github.com/dmsg-chat/dmsg/internal/store"
	"github.com/dmsg-chat/dmsg/internal/stream"
	intsync "github.com/dmsg-chat/dmsg/internal/sync"
	"github.com/dmsg-chat/dmsg/internal/unread"
)

// fixedFetcher serves reputation profiles from a static map.
type fixedFetcher struct {
	profiles map[string]*reputation.Profile
}

func (f *fixedFetcher) FetchBatch(_ context.Context, addresses []string) (map[string]*reputation.Profile, error) {
	out := make(map[string]*reputation.Profile)
	for _, a := range addresses {
		if p, ok := f.profiles[a]; ok {
			out[a] = p
		}
	}
	return out, nil
}

type harness struct {
	fake    *protocoltest.Client
	manager *lifecycle.Manager
	engine  *intsync.Engine
	tracker *unread.Tracker
	httpc   *http.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	// Short path to stay under the Unix socket length limit.
	tmpDir, err := os.MkdirTemp("/tmp", "dmsg-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })
	socketPath := filepath.Join(tmpDir, "d.sock")

	lk, err := lock.Acquire(tmpDir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = lk.Release() })

	db, err := store.Open(filepath.Join(tmpDir, "dmsg.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger := zap.NewNop()
	b := bus.New()
	m := metrics.New()

	fake := protocoltest.NewClient("inbox-1")
	mgr := lifecycle.NewManager(fake.Dialer(), protocol.Config{Env: "local"}, b, logger)

	consents, err := consent.NewStore(mgr, db, b, logger)
	if err != nil {
		t.Fatal(err)
	}
	tracker := unread.NewTracker(b)
	engine := intsync.NewEngine(mgr, consents, tracker, db, b, m, logger)
	engine.Start()
	t.Cleanup(engine.Stop)

	mux := stream.NewMultiplexer(mgr, m, logger)
	mgr.RegisterCloser(mux.CancelAll)

	sender := outbox.NewSender(db, &outbox.NetworkSender{Source: mgr}, b, m, logger)

	cache, err := reputation.NewCache(&fixedFetcher{profiles: map[string]*reputation.Profile{
		"0xaaa": {Address: "0xaaa", Score: 81, Tier: "reputable"},
	}}, 64, rate.NewLimiter(rate.Inf, 1), m, logger)
	if err != nil {
		t.Fatal(err)
	}

	srv, err := NewServer(Params{SessionName: "test", SocketPath: socketPath},
		logger, m, b, db, mgr, engine, consents, tracker, cache, sender)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Start() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Stop(ctx)
	})

	// Authenticate and wire the global stream the way the daemon's connect
	// hook does.
	client, err := mgr.Initialize(context.Background(), &protocoltest.Signer{Addr: "0xME"})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	tracker.SetLocalUser(client.InboxID())
	sender.SetLocalID(client.InboxID())
	if _, err := mux.OpenGlobalStream(stream.Handler{
		OnMessage: func(msg *protocol.Message) {
			preview, err := engine.ApplyIncomingMessage(context.Background(), msg)
			if err != nil {
				return
			}
			if preview != nil {
				tracker.Observe(msg)
			}
		},
		OnError: func(error) {},
	}); err != nil {
		t.Fatalf("OpenGlobalStream: %v", err)
	}

	httpc := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}

	return &harness{fake: fake, manager: mgr, engine: engine, tracker: tracker, httpc: httpc}
}

func (h *harness) call(t *testing.T, method string, params any) json.RawMessage {
	t.Helper()
	result, rpcErr := h.callRaw(t, method, params)
	if rpcErr != nil {
		t.Fatalf("%s: rpc error %d: %s", method, rpcErr.Code, rpcErr.Message)
	}
	return result
}

func (h *harness) callRaw(t *testing.T, method string, params any) (json.RawMessage, *rpcError) {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		t.Fatal(err)
	}
	resp, err := h.httpc.Post("http://dmsg/rpc", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("%s: %v", method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("%s: decode response: %v", method, err)
	}
	return out.Result, out.Error
}

func (h *harness) listConversations(t *testing.T, consentFilter string) conversationListResult {
	t.Helper()
	raw := h.call(t, "conversation.list", map[string]string{"consent": consentFilter})
	var res conversationListResult
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatal(err)
	}
	return res
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestDaemonEndToEnd(t *testing.T) {
	h := newHarness(t)

	// Fresh session: authenticated, no conversations.
	var status sessionStatusResult
	if err := json.Unmarshal(h.call(t, "session.status", nil), &status); err != nil {
		t.Fatal(err)
	}
	if status.State != string(lifecycle.StateReady) || status.Address != "0xME" || status.InboxID != "inbox-1" {
		t.Fatalf("status = %+v", status)
	}
	if res := h.listConversations(t, ""); len(res.Conversations) != 0 {
		t.Fatalf("expected empty list, got %+v", res.Conversations)
	}

	// An inbound message on a never-seen conversation materializes a
	// preview with the message as its last message and one unread.
	h.fake.AddConversation("c-1", "0xAAA", protocol.KindDirect, time.Now().Add(-time.Minute))
	h.fake.Deliver(&protocol.Message{
		ID:             "m1",
		ConversationID: "c-1",
		SenderID:       "0xAAA",
		Body:           "hey there",
		SentAt:         time.Now(),
	})

	var got conversationListResult
	waitFor(t, func() bool {
		got = h.listConversations(t, "")
		return len(got.Conversations) == 1 && got.Conversations[0].Unread == 1
	})
	conv := got.Conversations[0]
	if conv.ID != "c-1" || conv.PeerAddress != "0xAAA" {
		t.Fatalf("conversation = %+v", conv)
	}
	if conv.LastMessage == nil || conv.LastMessage.Body != "hey there" {
		t.Fatalf("last message = %+v", conv.LastMessage)
	}

	// Activating the conversation clears its unread count.
	h.call(t, "conversation.setActive", map[string]string{"conversationId": "c-1"})
	waitFor(t, func() bool {
		return h.listConversations(t, "").Conversations[0].Unread == 0
	})
}

func TestDaemonSendAndHistory(t *testing.T) {
	h := newHarness(t)
	h.fake.AddConversation("c-1", "0xAAA", protocol.KindDirect, time.Now())

	raw := h.call(t, "message.send", map[string]string{"conversationId": "c-1", "body": "outgoing"})
	var sendRes struct {
		ClientMsgID string `json:"clientMsgId"`
		Accepted    bool   `json:"accepted"`
	}
	if err := json.Unmarshal(raw, &sendRes); err != nil {
		t.Fatal(err)
	}
	if !sendRes.Accepted || sendRes.ClientMsgID == "" {
		t.Fatalf("send result = %+v", sendRes)
	}

	waitFor(t, func() bool {
		raw := h.call(t, "message.list", map[string]any{"conversationId": "c-1"})
		var res struct {
			Messages []wireMessage `json:"messages"`
		}
		if err := json.Unmarshal(raw, &res); err != nil {
			return false
		}
		return len(res.Messages) == 1 &&
			res.Messages[0].ID == sendRes.ClientMsgID &&
			res.Messages[0].Status == string(protocol.StatusSent)
	})
}

func TestDaemonConsentFlow(t *testing.T) {
	h := newHarness(t)
	h.fake.AddConversation("c-1", "0xAAA", protocol.KindDirect, time.Now())
	h.fake.Deliver(&protocol.Message{
		ID:             "m1",
		ConversationID: "c-1",
		SenderID:       "0xAAA",
		Body:           "hello",
		SentAt:         time.Now(),
	})
	waitFor(t, func() bool {
		return len(h.listConversations(t, "").Conversations) == 1
	})

	h.call(t, "consent.set", map[string]string{"subjectId": "0xAAA", "state": "denied"})

	var state struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(h.call(t, "consent.get", map[string]string{"subjectId": "0xAAA"}), &state); err != nil {
		t.Fatal(err)
	}
	if state.State != "denied" {
		t.Fatalf("consent = %s, want denied", state.State)
	}

	// The denied conversation drops out of the allowed view without a
	// refetch.
	waitFor(t, func() bool {
		allowed := protocol.ConsentAllowed
		return len(h.engine.Snapshot(intsync.Filter{ConsentState: &allowed})) == 0
	})

	// Rejecting an unknown state.
	if _, rpcErr := h.callRaw(t, "consent.set", map[string]string{"subjectId": "0xAAA", "state": "banana"}); rpcErr == nil {
		t.Fatal("expected invalid params error")
	}
}

func TestDaemonConversationListPartialFailure(t *testing.T) {
	h := newHarness(t)
	h.fake.AddConversation("c-ok", "0xAAA", protocol.KindDirect, time.Now())
	bad := h.fake.AddConversation("c-bad", "0xBBB", protocol.KindDirect, time.Now())
	bad.LastMessageErr = errors.New("decrypt failed")

	// A mid-fetch failure still hands the previews obtained so far to the
	// caller instead of an empty error response.
	res := h.listConversations(t, "")
	if res.Source != "partial" {
		t.Fatalf("source = %q, want partial", res.Source)
	}
	if res.Error == "" {
		t.Fatal("partial result is missing the fetch error")
	}
	if len(res.Conversations) != 1 || res.Conversations[0].ID != "c-ok" {
		t.Fatalf("conversations = %+v, want only c-ok", res.Conversations)
	}

	// Once the broken conversation recovers the list is served normally.
	bad.LastMessageErr = nil
	res = h.listConversations(t, "")
	if res.Source != "network" || len(res.Conversations) != 2 {
		t.Fatalf("recovered list = %+v source %q", res.Conversations, res.Source)
	}
}

func TestDaemonReputationRPC(t *testing.T) {
	h := newHarness(t)

	raw := h.call(t, "reputation.get", map[string]string{"address": "0xAAA"})
	var res struct {
		Profile *wireProfile `json:"profile"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatal(err)
	}
	if res.Profile == nil || res.Profile.Score != 81 || res.Profile.Tier != "reputable" {
		t.Fatalf("profile = %+v", res.Profile)
	}

	raw = h.call(t, "reputation.batch", map[string]any{"addresses": []string{"0xAAA", "0xBBB"}})
	var batch struct {
		Profiles map[string]wireProfile `json:"profiles"`
	}
	if err := json.Unmarshal(raw, &batch); err != nil {
		t.Fatal(err)
	}
	if len(batch.Profiles) != 1 {
		t.Fatalf("profiles = %+v, want only the known address", batch.Profiles)
	}
	if _, ok := batch.Profiles["0xaaa"]; !ok {
		t.Fatalf("missing normalized address key: %+v", batch.Profiles)
	}
}

func TestDaemonEventFeed(t *testing.T) {
	h := newHarness(t)

	resp, err := h.httpc.Get("http://dmsg/events?ns=sync.")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	h.fake.AddConversation("c-1", "0xAAA", protocol.KindDirect, time.Now())
	h.fake.Deliver(&protocol.Message{
		ID:             "m1",
		ConversationID: "c-1",
		SenderID:       "0xAAA",
		Body:           "hello",
		SentAt:         time.Now(),
	})

	lineCh := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		if scanner.Scan() {
			lineCh <- scanner.Text()
		}
	}()

	select {
	case line := <-lineCh:
		var evt wireEvent
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			t.Fatalf("bad event line %q: %v", line, err)
		}
		if !strings.HasPrefix(evt.Kind, "sync.") {
			t.Fatalf("event kind = %s", evt.Kind)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no event received")
	}
}

func TestDaemonMetricsEndpoint(t *testing.T) {
	h := newHarness(t)

	if _, err := h.engine.ListPreviews(context.Background(), intsync.Filter{}); err != nil {
		t.Fatal(err)
	}

	resp, err := h.httpc.Get("http://dmsg/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "dmsg_sync_refreshes_total") {
		t.Fatalf("metrics output missing sync counter:\n%s", body)
	}
}

func TestLoadSignerStable(t *testing.T) {
	dir := t.TempDir()
	s1, err := LoadSigner(dir)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := LoadSigner(dir)
	if err != nil {
		t.Fatal(err)
	}
	if s1.Address() != s2.Address() {
		t.Fatalf("address changed across loads: %s vs %s", s1.Address(), s2.Address())
	}
	if !strings.HasPrefix(s1.Address(), "0x") || len(s1.Address()) != 42 {
		t.Fatalf("address format: %s", s1.Address())
	}
	sig, err := s1.Sign(context.Background(), []byte("payload"))
	if err != nil || len(sig) == 0 {
		t.Fatalf("sign: %v", err)
	}
}
