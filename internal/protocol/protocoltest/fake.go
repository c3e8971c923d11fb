// Package protocoltest provides an in-memory implementation of the protocol
// interfaces for tests: scripted conversations, push delivery into open
// streams, and injectable failures.
package protocoltest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmsg-chat/dmsg/internal/protocol"
)

// Signer is a fake signer with a fixed address.
type Signer struct {
	Addr string
}

func (s *Signer) Address() string { return s.Addr }

func (s *Signer) Sign(_ context.Context, payload []byte) ([]byte, error) {
	return append([]byte("sig:"), payload...), nil
}

// Client is an in-memory protocol client.
type Client struct {
	mu      sync.Mutex
	inboxID string
	convs   map[string]*Conversation
	consent map[string]protocol.ConsentState
	streams []*Stream // open global streams
	closed  bool

	// ListErr, when set, is returned by ListConversations.
	ListErr error
	// StreamErr, when set, is returned by StreamAllMessages.
	StreamErr error
}

// NewClient creates an empty fake client with the given inbox id.
func NewClient(inboxID string) *Client {
	return &Client{
		inboxID: inboxID,
		convs:   make(map[string]*Conversation),
		consent: make(map[string]protocol.ConsentState),
	}
}

// Dialer returns a protocol.Dialer that always yields this client.
func (c *Client) Dialer() protocol.Dialer {
	return func(_ context.Context, _ protocol.Signer, _ protocol.Config) (protocol.Client, error) {
		return c, nil
	}
}

// RejectingDialer returns a dialer that fails the handshake for every signer.
func RejectingDialer(reason string) protocol.Dialer {
	return func(_ context.Context, signer protocol.Signer, _ protocol.Config) (protocol.Client, error) {
		return nil, &protocol.AuthenticationError{Address: signer.Address(), Reason: reason}
	}
}

// UnreachableDialer returns a dialer that fails with a NetworkError.
func UnreachableDialer() protocol.Dialer {
	return func(_ context.Context, _ protocol.Signer, _ protocol.Config) (protocol.Client, error) {
		return nil, &protocol.NetworkError{Op: "dial", Err: errors.New("connection refused")}
	}
}

func (c *Client) InboxID() string { return c.inboxID }

func (c *Client) ListConversations(_ context.Context) ([]protocol.Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ListErr != nil {
		return nil, c.ListErr
	}
	out := make([]protocol.Conversation, 0, len(c.convs))
	for _, conv := range c.convs {
		out = append(out, conv)
	}
	return out, nil
}

func (c *Client) ConversationByID(_ context.Context, id string) (protocol.Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.convs[id]
	if !ok {
		return nil, fmt.Errorf("conversation %q not found", id)
	}
	return conv, nil
}

func (c *Client) StreamAllMessages(_ context.Context) (protocol.MessageStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.StreamErr != nil {
		return nil, c.StreamErr
	}
	s := newStream()
	c.streams = append(c.streams, s)
	return s, nil
}

func (c *Client) ConsentState(_ context.Context, subjectID string) (protocol.ConsentState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.consent[subjectID]; ok {
		return st, nil
	}
	return protocol.ConsentUnknown, nil
}

func (c *Client) SetConsentState(_ context.Context, subjectID string, state protocol.ConsentState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consent[subjectID] = state
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	streams := c.streams
	c.streams = nil
	c.closed = true
	c.mu.Unlock()
	for _, s := range streams {
		_ = s.Close()
	}
	return nil
}

// GlobalStreamCount returns how many global streams have been opened.
func (c *Client) GlobalStreamCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

// LastGlobalStream returns the most recently opened global stream, or nil.
func (c *Client) LastGlobalStream() *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.streams) == 0 {
		return nil
	}
	return c.streams[len(c.streams)-1]
}

// Closed reports whether Close has been called.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// AddConversation registers a conversation and returns its handle.
func (c *Client) AddConversation(id, peer string, kind protocol.ConversationKind, createdAt time.Time) *Conversation {
	conv := &Conversation{
		id:        id,
		peer:      peer,
		kind:      kind,
		createdAt: createdAt,
	}
	c.mu.Lock()
	c.convs[id] = conv
	c.mu.Unlock()
	return conv
}

// Deliver pushes a message into every open global stream and every stream
// open on the message's conversation, and records it as the conversation's
// last message.
func (c *Client) Deliver(msg *protocol.Message) {
	c.mu.Lock()
	conv := c.convs[msg.ConversationID]
	globals := append([]*Stream(nil), c.streams...)
	c.mu.Unlock()

	if conv != nil {
		conv.record(msg)
	}
	for _, s := range globals {
		s.push(msg)
	}
	if conv != nil {
		conv.pushToStreams(msg)
	}
}

// FailGlobalStreams injects a terminal error into every open global stream.
func (c *Client) FailGlobalStreams(err error) {
	c.mu.Lock()
	globals := append([]*Stream(nil), c.streams...)
	c.mu.Unlock()
	for _, s := range globals {
		s.Fail(err)
	}
}

// Conversation is an in-memory conversation handle.
type Conversation struct {
	id        string
	peer      string
	kind      protocol.ConversationKind
	createdAt time.Time

	mu      sync.Mutex
	msgs    []*protocol.Message
	streams []*Stream
	sendSeq int

	// LastMessageErr, when set, is returned by LastMessage.
	LastMessageErr error
	// SendErr, when set, is returned by SendText.
	SendErr error
	// Inactive makes Sync return protocol.ErrConversationInactive.
	Inactive bool
}

func (cv *Conversation) ID() string                      { return cv.id }
func (cv *Conversation) Kind() protocol.ConversationKind { return cv.kind }
func (cv *Conversation) PeerAddress() string             { return cv.peer }
func (cv *Conversation) CreatedAt() time.Time            { return cv.createdAt }

func (cv *Conversation) LastMessage(_ context.Context) (*protocol.Message, error) {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	if cv.LastMessageErr != nil {
		return nil, cv.LastMessageErr
	}
	if len(cv.msgs) == 0 {
		return nil, nil
	}
	return cv.msgs[len(cv.msgs)-1], nil
}

func (cv *Conversation) SendText(_ context.Context, content string) (string, error) {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	if cv.SendErr != nil {
		return "", cv.SendErr
	}
	cv.sendSeq++
	id := fmt.Sprintf("%s-out-%d", cv.id, cv.sendSeq)
	cv.msgs = append(cv.msgs, &protocol.Message{
		ID:             id,
		ConversationID: cv.id,
		Body:           content,
		SentAt:         time.Now(),
		Status:         protocol.StatusSent,
	})
	return id, nil
}

func (cv *Conversation) Stream(_ context.Context) (protocol.MessageStream, error) {
	s := newStream()
	cv.mu.Lock()
	cv.streams = append(cv.streams, s)
	cv.mu.Unlock()
	return s, nil
}

func (cv *Conversation) Sync(_ context.Context) error {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	if cv.Inactive {
		return protocol.ErrConversationInactive
	}
	return nil
}

func (cv *Conversation) record(msg *protocol.Message) {
	cv.mu.Lock()
	cv.msgs = append(cv.msgs, msg)
	cv.mu.Unlock()
}

func (cv *Conversation) pushToStreams(msg *protocol.Message) {
	cv.mu.Lock()
	streams := append([]*Stream(nil), cv.streams...)
	cv.mu.Unlock()
	for _, s := range streams {
		s.push(msg)
	}
}

// Stream is an in-memory message stream fed by Deliver.
type Stream struct {
	ch     chan *protocol.Message
	errCh  chan error
	done   chan struct{}
	closed sync.Once
}

func newStream() *Stream {
	return &Stream{
		ch:    make(chan *protocol.Message, 64),
		errCh: make(chan error, 1),
		done:  make(chan struct{}),
	}
}

func (s *Stream) Next(ctx context.Context) (*protocol.Message, error) {
	select {
	case msg := <-s.ch:
		return msg, nil
	case err := <-s.errCh:
		return nil, err
	case <-s.done:
		return nil, protocol.ErrStreamClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Stream) Close() error {
	s.closed.Do(func() { close(s.done) })
	return nil
}

// Closed reports whether the stream has been closed.
func (s *Stream) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Fail injects a terminal transport error.
func (s *Stream) Fail(err error) {
	select {
	case s.errCh <- err:
	default:
	}
}

func (s *Stream) push(msg *protocol.Message) {
	select {
	case s.ch <- msg:
	case <-s.done:
	}
}
