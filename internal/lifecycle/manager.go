// Package lifecycle owns the protocol client handle. The manager is the only
// component allowed to create or destroy the client; everything derived from
// it (streams, conversation operations) is torn down through the manager's
// registered closers.
package lifecycle

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/dmsg-chat/dmsg/internal/bus"
	"github.com/dmsg-chat/dmsg/internal/protocol"
)

// State is the client lifecycle state.
type State string

const (
	StateIdle         State = "idle"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateFailed       State = "failed"
)

// ErrNotReady is returned by Client when no ready handle exists.
var ErrNotReady = errors.New("client not ready")

// StateChange is the payload of client.state_changed bus events.
type StateChange struct {
	From   State
	To     State
	Signer string
}

// attempt is an in-flight initialization shared by concurrent callers.
type attempt struct {
	signerAddr string
	done       chan struct{}
	client     protocol.Client
	err        error
}

// Manager drives the client through idle -> initializing -> ready/failed and
// back to idle on disconnect.
type Manager struct {
	dial   protocol.Dialer
	cfg    protocol.Config
	bus    *bus.Bus
	logger *zap.Logger

	mu         sync.Mutex
	state      State
	signerAddr string
	client     protocol.Client
	lastErr    error
	inflight   *attempt
	closers    []func()
}

// NewManager creates a manager in the idle state.
func NewManager(dial protocol.Dialer, cfg protocol.Config, b *bus.Bus, logger *zap.Logger) *Manager {
	return &Manager{
		dial:   dial,
		cfg:    cfg,
		bus:    b,
		logger: logger,
		state:  StateIdle,
	}
}

// RegisterCloser adds a teardown hook run synchronously whenever the current
// handle is released (disconnect or signer switch). Used by the stream
// multiplexer so disposing the client transitively cancels derived streams.
func (m *Manager) RegisterCloser(f func()) {
	m.mu.Lock()
	m.closers = append(m.closers, f)
	m.mu.Unlock()
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the error from the most recent failed initialization.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Client returns the live handle, or ErrNotReady.
func (m *Manager) Client() (protocol.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateReady || m.client == nil {
		return nil, ErrNotReady
	}
	return m.client, nil
}

// SignerAddress returns the address of the signer behind the live handle.
func (m *Manager) SignerAddress() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.signerAddr
}

// Initialize produces a ready client for the signer. Calling it again for
// the same signer while initializing or ready joins the existing handle
// rather than creating a second one. A different signer tears the previous
// handle down first.
func (m *Manager) Initialize(ctx context.Context, signer protocol.Signer) (protocol.Client, error) {
	addr := signer.Address()

	m.mu.Lock()
	for {
		if m.state == StateReady && m.signerAddr == addr {
			c := m.client
			m.mu.Unlock()
			return c, nil
		}
		if m.inflight == nil {
			break
		}
		at := m.inflight
		m.mu.Unlock()
		select {
		case <-at.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if at.signerAddr == addr {
			return at.client, at.err
		}
		// A different signer finished initializing; re-evaluate.
		m.mu.Lock()
	}

	// Switching signers releases the previous handle before re-entering the
	// initializing state. The state transitions happen under the lock; the
	// teardown itself runs after release, because closers can reach back
	// into the manager from a delivery callback.
	var teardown func()
	if m.client != nil && m.signerAddr != addr {
		teardown = m.releaseLocked()
		m.setStateLocked(StateIdle, "")
	}

	at := &attempt{signerAddr: addr, done: make(chan struct{})}
	m.inflight = at
	m.setStateLocked(StateInitializing, addr)
	m.mu.Unlock()

	if teardown != nil {
		teardown()
	}
	client, err := m.dial(ctx, signer, m.cfg)

	m.mu.Lock()
	at.client, at.err = client, err
	m.inflight = nil
	if err != nil {
		m.lastErr = err
		m.setStateLocked(StateFailed, addr)
		m.logger.Warn("client initialization failed", zap.String("signer", addr), zap.Error(err))
	} else {
		m.client = client
		m.signerAddr = addr
		m.lastErr = nil
		m.setStateLocked(StateReady, addr)
		m.logger.Info("client ready", zap.String("signer", addr), zap.String("inbox_id", client.InboxID()))
	}
	close(at.done)
	m.mu.Unlock()

	return client, err
}

// Disconnect releases the handle and returns to idle. Idempotent: calling it
// without a live handle is a no-op.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.client == nil && m.state == StateIdle {
		m.mu.Unlock()
		return
	}
	teardown := m.releaseLocked()
	m.setStateLocked(StateIdle, "")
	m.mu.Unlock()

	teardown()
	m.logger.Info("client disconnected")
}

// releaseLocked detaches the client under m.mu and returns the teardown to
// run once the lock is dropped. Closers must not run under m.mu: the stream
// multiplexer's CancelAll waits for in-flight delivery callbacks, and those
// callbacks may call Client() or State().
func (m *Manager) releaseLocked() func() {
	closers := m.closers
	client := m.client
	m.client = nil
	m.signerAddr = ""
	return func() {
		for _, f := range closers {
			f()
		}
		if client != nil {
			if err := client.Close(); err != nil {
				m.logger.Warn("error closing client", zap.Error(err))
			}
		}
	}
}

// setStateLocked transitions state and broadcasts the change. Callers hold
// m.mu; the bus publish is non-blocking so holding the lock is safe.
func (m *Manager) setStateLocked(to State, signer string) {
	if m.state == to {
		return
	}
	from := m.state
	m.state = to
	if m.bus != nil {
		m.bus.Publish("client.state_changed", StateChange{From: from, To: to, Signer: signer})
	}
}
