// Package daemon composes the session daemon: protocol lifecycle, sync
// engine, stream multiplexer, consent store, unread tracker, reputation
// cache, outbox, and the JSON-RPC control surface on the session socket.
package daemon

import (
	"context"
	"errors"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dmsg-chat/dmsg/internal/bus"
	"github.com/dmsg-chat/dmsg/internal/config"
	"github.com/dmsg-chat/dmsg/internal/consent"
	"github.com/dmsg-chat/dmsg/internal/lifecycle"
	"github.com/dmsg-chat/dmsg/internal/lock"
	"github.com/dmsg-chat/dmsg/internal/logging"
	"github.com/dmsg-chat/dmsg/internal/metrics"
	"github.com/dmsg-chat/dmsg/internal/outbox"
	"github.com/dmsg-chat/dmsg/internal/protocol"
	"github.com/dmsg-chat/dmsg/internal/reputation"
	"github.com/dmsg-chat/dmsg/internal/session"
	"github.com/dmsg-chat/dmsg/internal/store"
	"github.com/dmsg-chat/dmsg/internal/stream"
	intsync "github.com/dmsg-chat/dmsg/internal/sync"
	"github.com/dmsg-chat/dmsg/internal/unread"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	// Dialer connects to the messaging network. Nil means no network driver
	// is built in; the daemon still serves persisted data.
	Dialer protocol.Dialer
	// ReputationBaseURL overrides the configured reputation service, used
	// by tests to point at an httptest server.
	ReputationBaseURL string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideConfig,
			provideLock,
			provideStore,
			provideMetrics,
			provideManager,
			provideConsent,
			provideUnread,
			provideEngine,
			provideMultiplexer,
			provideReputation,
			provideSender,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideConfig(logger *zap.Logger) *config.Config {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("failed to read config, using defaults", zap.Error(err))
		}
		return config.Default()
	}
	return cfg
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.AppDBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideMetrics() *metrics.Metrics {
	return metrics.New()
}

func provideManager(p Params, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *lifecycle.Manager {
	dial := p.Dialer
	if dial == nil {
		dial = func(_ context.Context, _ protocol.Signer, _ protocol.Config) (protocol.Client, error) {
			return nil, &protocol.NetworkError{Op: "dial", Err: errors.New("no network driver built in")}
		}
	}
	return lifecycle.NewManager(dial, protocol.Config{
		Env:    cfg.NetworkEnv,
		DBPath: session.ProtocolDBPath(p.SessionName),
	}, b, logger)
}

func provideConsent(mgr *lifecycle.Manager, db *store.DB, b *bus.Bus, logger *zap.Logger) (*consent.Store, error) {
	return consent.NewStore(mgr, db, b, logger)
}

func provideUnread(b *bus.Bus) *unread.Tracker {
	return unread.NewTracker(b)
}

func provideEngine(mgr *lifecycle.Manager, consents *consent.Store, tracker *unread.Tracker, db *store.DB, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(mgr, consents, tracker, db, b, m, logger)
}

func provideMultiplexer(mgr *lifecycle.Manager, m *metrics.Metrics, logger *zap.Logger) *stream.Multiplexer {
	return stream.NewMultiplexer(mgr, m, logger)
}

func provideReputation(p Params, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (*reputation.Cache, error) {
	baseURL := p.ReputationBaseURL
	if baseURL == "" {
		baseURL = cfg.ReputationBaseURL
	}
	fetcher := reputation.NewHTTPClient(baseURL, nil, logger)
	limiter := rate.NewLimiter(rate.Limit(5), 10)
	return reputation.NewCache(fetcher, reputation.DefaultCacheSize, limiter, m, logger)
}

func provideSender(db *store.DB, mgr *lifecycle.Manager, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, &outbox.NetworkSender{Source: mgr}, b, m, logger)
}

func registerLifecycle(lc fx.Lifecycle, p Params, srv *Server, lk *lock.Lock, mgr *lifecycle.Manager, engine *intsync.Engine, mux *stream.Multiplexer, sender *outbox.Sender, tracker *unread.Tracker, cache *reputation.Cache, b *bus.Bus, logger *zap.Logger) {
	stop := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Disposing the client tears down every derived stream.
			mgr.RegisterCloser(mux.CancelAll)

			engine.Start()
			sender.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("rpc server error", zap.Error(err))
				}
			}()

			// Reputation warm-up: batch-fetch the counterparties of the
			// current preview set whenever it changes.
			go warmReputation(b, cache, stop, logger)

			go connect(p, mgr, engine, mux, sender, tracker, logger)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(stop)
			sender.Stop()
			engine.Stop()
			mgr.Disconnect()
			srv.Stop(ctx)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

// connect authenticates against the network and wires the global message
// stream into the sync engine and unread tracker. A failed dial leaves the
// daemon serving persisted data.
func connect(p Params, mgr *lifecycle.Manager, engine *intsync.Engine, mux *stream.Multiplexer, sender *outbox.Sender, tracker *unread.Tracker, logger *zap.Logger) {
	ctx := context.Background()

	signer, err := LoadSigner(session.Dir(p.SessionName))
	if err != nil {
		logger.Error("failed to load identity", zap.Error(err))
		return
	}

	client, err := mgr.Initialize(ctx, signer)
	if err != nil {
		logger.Warn("network initialization failed", zap.Error(err))
		return
	}

	tracker.SetLocalUser(client.InboxID())
	sender.SetLocalID(client.InboxID())

	if _, err := mux.OpenGlobalStream(stream.Handler{
		OnMessage: func(msg *protocol.Message) {
			preview, err := engine.ApplyIncomingMessage(context.Background(), msg)
			if err != nil {
				logger.Warn("failed to ingest message", zap.String("msg_id", msg.ID), zap.Error(err))
				return
			}
			if preview != nil {
				tracker.Observe(msg)
			}
		},
		OnError: func(err error) {
			logger.Error("global stream terminated", zap.Error(err))
		},
	}); err != nil {
		logger.Error("failed to open global stream", zap.Error(err))
	}

	if _, err := engine.ListPreviews(ctx, intsync.Filter{}); err != nil {
		logger.Warn("initial conversation sync incomplete", zap.Error(err))
	}
}

func warmReputation(b *bus.Bus, cache *reputation.Cache, stop <-chan struct{}, logger *zap.Logger) {
	sub := b.Subscribe("sync.previews_changed", 16)
	defer sub.Cancel()
	for {
		select {
		case evt := <-sub.C:
			changed, ok := evt.Payload.(intsync.PreviewsChanged)
			if !ok || len(changed.Addresses) == 0 {
				continue
			}
			if _, err := cache.GetBatch(context.Background(), changed.Addresses); err != nil {
				logger.Debug("reputation warm-up fetch failed", zap.Error(err))
			}
		case <-stop:
			return
		}
	}
}
