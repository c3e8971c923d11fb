package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dmsg-chat/dmsg/internal/bus"
	"github.com/dmsg-chat/dmsg/internal/consent"
	"github.com/dmsg-chat/dmsg/internal/lifecycle"
	"github.com/dmsg-chat/dmsg/internal/metrics"
	"github.com/dmsg-chat/dmsg/internal/outbox"
	"github.com/dmsg-chat/dmsg/internal/reputation"
	"github.com/dmsg-chat/dmsg/internal/session"
	"github.com/dmsg-chat/dmsg/internal/store"
	intsync "github.com/dmsg-chat/dmsg/internal/sync"
	"github.com/dmsg-chat/dmsg/internal/unread"
)

// Server serves the control surface on the session's Unix domain socket:
// JSON-RPC on POST /rpc, a newline-delimited JSON event feed on GET /events,
// and Prometheus metrics on GET /metrics.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger

	sessionName string
	bus         *bus.Bus
	db          *store.DB
	manager     *lifecycle.Manager
	engine      *intsync.Engine
	consents    *consent.Store
	tracker     *unread.Tracker
	cache       *reputation.Cache
	sender      *outbox.Sender
}

// NewServer creates a server bound to the session's socket.
func NewServer(
	p Params,
	logger *zap.Logger,
	m *metrics.Metrics,
	b *bus.Bus,
	db *store.DB,
	mgr *lifecycle.Manager,
	engine *intsync.Engine,
	consents *consent.Store,
	tracker *unread.Tracker,
	cache *reputation.Cache,
	sender *outbox.Sender,
) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.SessionName)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	s := &Server{
		listener:    listener,
		socketPath:  socketPath,
		logger:      logger,
		sessionName: p.SessionName,
		bus:         b,
		db:          db,
		manager:     mgr,
		engine:      engine,
		consents:    consents,
		tracker:     tracker,
		cache:       cache,
		sender:      sender,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/events", s.handleEvents)
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	s.httpServer = &http.Server{Handler: mux}

	return s, nil
}

// Start begins serving requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("rpc server starting", zap.String("socket", s.socketPath))
	if err := s.httpServer.Serve(s.listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("rpc server stopping")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		_ = s.httpServer.Close()
	}
	_ = os.Remove(s.socketPath)
}

// wireEvent is one line of the /events feed.
type wireEvent struct {
	Kind    string    `json:"kind"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

// handleEvents streams bus events matching the ns query prefix until the
// client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := s.bus.Subscribe(r.URL.Query().Get("ns"), 128)
	defer sub.Cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case evt := <-sub.C:
			if err := enc.Encode(wireEvent{Kind: evt.Kind, At: evt.At, Payload: evt.Payload}); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
