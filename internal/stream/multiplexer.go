// Package stream converts the network's push delivery into cancellable,
// at-most-once-per-listener subscriptions. A single underlying global
// subscription is shared by every global listener; per-conversation
// subscriptions are independent.
package stream

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dmsg-chat/dmsg/internal/metrics"
	"github.com/dmsg-chat/dmsg/internal/protocol"
)

// TargetAll is the target of the shared global stream.
const TargetAll = "all"

// Handler receives stream callbacks. OnMessage is required; OnError is
// invoked exactly once when the underlying transport stream fails.
//
// Callbacks for one stream run sequentially under the stream's delivery
// lock, so a handler must not synchronously cancel its own handle.
type Handler struct {
	OnMessage func(*protocol.Message)
	OnError   func(error)
}

// ClientSource yields the live protocol client. Implemented by the
// lifecycle manager.
type ClientSource interface {
	Client() (protocol.Client, error)
}

// Multiplexer owns every open subscription derived from the client.
type Multiplexer struct {
	source  ClientSource
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	global  *fanout
	fanouts map[*fanout]struct{}
}

// NewMultiplexer creates an empty multiplexer.
func NewMultiplexer(source ClientSource, m *metrics.Metrics, logger *zap.Logger) *Multiplexer {
	return &Multiplexer{
		source:  source,
		logger:  logger,
		metrics: m,
		fanouts: make(map[*fanout]struct{}),
	}
}

// Handle is one listener's registration on a stream. Cancel is idempotent;
// after Cancel returns no further callback fires for this handle, even if
// the transport delivers late.
type Handle struct {
	ID     string
	target string

	f    *fanout
	once sync.Once
}

// Target returns the stream target: a conversation id, or TargetAll.
func (h *Handle) Target() string { return h.target }

// Cancel deregisters the listener. The underlying subscription is closed
// when the last listener on it cancels.
func (h *Handle) Cancel() {
	h.once.Do(func() { h.f.removeListener(h.ID) })
}

// OpenGlobalStream registers a listener for messages from every
// conversation. The first caller opens the underlying subscription;
// subsequent callers share it.
func (m *Multiplexer) OpenGlobalStream(h Handler) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.global != nil {
		if hd := m.global.addListener(h); hd != nil {
			return hd, nil
		}
		// The shared stream died between its last delivery and this call.
		m.global = nil
	}

	client, err := m.source.Client()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s, err := client.StreamAllMessages(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	f := m.newFanout(TargetAll, s, ctx, cancel)
	m.global = f
	m.fanouts[f] = struct{}{}
	hd := f.addListener(h)
	go f.run()
	return hd, nil
}

// OpenConversationStream registers a listener scoped to one conversation.
// Every call opens its own underlying subscription.
func (m *Multiplexer) OpenConversationStream(conversationID string, h Handler) (*Handle, error) {
	client, err := m.source.Client()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	conv, err := client.ConversationByID(ctx, conversationID)
	if err != nil {
		cancel()
		return nil, err
	}
	s, err := conv.Stream(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	f := m.newFanout(conversationID, s, ctx, cancel)
	m.mu.Lock()
	m.fanouts[f] = struct{}{}
	m.mu.Unlock()
	hd := f.addListener(h)
	go f.run()
	return hd, nil
}

// CancelAll shuts down every open stream. Called by the lifecycle manager
// when the client handle is released; no callback fires after it returns.
func (m *Multiplexer) CancelAll() {
	m.mu.Lock()
	fans := make([]*fanout, 0, len(m.fanouts))
	for f := range m.fanouts {
		fans = append(fans, f)
	}
	m.fanouts = make(map[*fanout]struct{})
	m.global = nil
	m.mu.Unlock()

	for _, f := range fans {
		f.shutdown()
	}
}

func (m *Multiplexer) newFanout(target string, s protocol.MessageStream, ctx context.Context, cancel context.CancelFunc) *fanout {
	return &fanout{
		mux:       m,
		target:    target,
		stream:    s,
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[string]Handler),
	}
}

// retire removes a fanout whose last listener cancelled or whose transport
// failed.
func (m *Multiplexer) retire(f *fanout) {
	m.mu.Lock()
	delete(m.fanouts, f)
	if m.global == f {
		m.global = nil
	}
	m.mu.Unlock()
}

// fanout is one underlying subscription with its registered listeners.
// deliverMu guards the listener set and serializes delivery, which is what
// makes Cancel immediate from the caller's perspective: removal happens
// under the same lock delivery holds.
type fanout struct {
	mux    *Multiplexer
	target string
	stream protocol.MessageStream
	ctx    context.Context
	cancel context.CancelFunc

	deliverMu sync.Mutex
	listeners map[string]Handler
	done      bool
}

// addListener registers a handler, or returns nil if the fanout already
// terminated.
func (f *fanout) addListener(h Handler) *Handle {
	id := uuid.NewString()
	f.deliverMu.Lock()
	defer f.deliverMu.Unlock()
	if f.done {
		return nil
	}
	f.listeners[id] = h
	return &Handle{ID: id, target: f.target, f: f}
}

func (f *fanout) removeListener(id string) {
	f.deliverMu.Lock()
	delete(f.listeners, id)
	empty := len(f.listeners) == 0
	if empty {
		f.done = true
	}
	f.deliverMu.Unlock()

	if empty {
		f.cancel()
		_ = f.stream.Close()
		f.mux.retire(f)
	}
}

// shutdown tears the fanout down without error delivery (clean cancel path).
func (f *fanout) shutdown() {
	f.deliverMu.Lock()
	f.done = true
	f.listeners = make(map[string]Handler)
	f.deliverMu.Unlock()

	f.cancel()
	_ = f.stream.Close()
}

// run reads the underlying stream until it ends, delivering messages
// sequentially to every listener.
func (f *fanout) run() {
	for {
		msg, err := f.stream.Next(f.ctx)
		if err != nil {
			f.terminate(err)
			return
		}

		f.deliverMu.Lock()
		if f.done {
			f.deliverMu.Unlock()
			return
		}
		for _, h := range f.listeners {
			h.OnMessage(msg)
			f.mux.metrics.MessagesMultiplexed.Inc()
		}
		f.deliverMu.Unlock()
	}
}

// terminate handles the end of the underlying stream. A clean close (local
// cancellation) is silent; a transport error is surfaced to every listener
// exactly once. No automatic reconnect: the caller re-opens after the
// lifecycle manager re-enters ready.
func (f *fanout) terminate(err error) {
	clean := errors.Is(err, protocol.ErrStreamClosed) || errors.Is(err, context.Canceled)

	f.deliverMu.Lock()
	if f.done {
		f.deliverMu.Unlock()
		return
	}
	f.done = true
	if !clean {
		f.mux.metrics.StreamErrors.Inc()
		f.mux.logger.Warn("stream terminated", zap.String("target", f.target), zap.Error(err))
		// Error delivery runs under the delivery lock so that a listener
		// whose Cancel has returned can no longer be reached.
		for _, h := range f.listeners {
			if h.OnError != nil {
				h.OnError(err)
			}
		}
	}
	f.listeners = make(map[string]Handler)
	f.deliverMu.Unlock()

	f.cancel()
	_ = f.stream.Close()
	f.mux.retire(f)
}
