// Package daemon composes the long-running bridge process.
package daemon

import (
	"context"

	"github.com/gestorlite/zapbridge/internal/avatar"
	"github.com/gestorlite/zapbridge/internal/bus"
	"github.com/gestorlite/zapbridge/internal/config"
	"github.com/gestorlite/zapbridge/internal/convo"
	"github.com/gestorlite/zapbridge/internal/httpapi"
	"github.com/gestorlite/zapbridge/internal/ingest"
	"github.com/gestorlite/zapbridge/internal/lock"
	"github.com/gestorlite/zapbridge/internal/logging"
	"github.com/gestorlite/zapbridge/internal/metrics"
	"github.com/gestorlite/zapbridge/internal/outbox"
	"github.com/gestorlite/zapbridge/internal/readstatus"
	"github.com/gestorlite/zapbridge/internal/session"
	"github.com/gestorlite/zapbridge/internal/status"
	"github.com/gestorlite/zapbridge/internal/store"
	"github.com/gestorlite/zapbridge/internal/wa"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx
// module.
type Params struct {
	SessionName string
	Config      *config.Config
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideMetrics,
			provideAdapter,
			provideConvoStore,
			provideTracker,
			provideReconciler,
			provideAvatarCache,
			providePipeline,
			provideSender,
			provideServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Broker {
	return bus.New()
}

func provideStateMachine(b *bus.Broker) *status.Machine {
	return status.NewMachine(b)
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
	convos, _ := db.ConversationCount()
	msgs, _ := db.MessageCount()
	logger.Info("store initialized", zap.String("path", dbPath),
		zap.Int64("conversations", convos), zap.Int64("messages", msgs))
	return db, nil
}

func provideMetrics() *metrics.Set {
	return metrics.New()
}

func provideAdapter(p Params, b *bus.Broker, logger *zap.Logger) (*wa.Adapter, error) {
	return wa.NewAdapter(context.Background(), p.SessionName, b, logger)
}

func provideConvoStore(db *store.DB, b *bus.Broker, logger *zap.Logger) *convo.Store {
	return convo.New(db, b, logger)
}

func provideTracker(db *store.DB, convos *convo.Store) *readstatus.Tracker {
	return readstatus.NewTracker(db, convos)
}

func provideReconciler(tracker *readstatus.Tracker, convos *convo.Store, logger *zap.Logger) *readstatus.Reconciler {
	return readstatus.NewReconciler(tracker, convos, 0, logger)
}

func provideAvatarCache(p Params, adapter *wa.Adapter, convos *convo.Store, m *metrics.Set, logger *zap.Logger) *avatar.Cache {
	return avatar.New(adapter, convos, m, avatar.Options{
		TTL:         p.Config.Avatar.TTL(),
		FetchLimit:  p.Config.Avatar.FetchLimit,
		FetchPerSec: float64(p.Config.Avatar.FetchPerSec),
	}, logger)
}

func providePipeline(convos *convo.Store, avatars *avatar.Cache, b *bus.Broker, m *metrics.Set, logger *zap.Logger) *ingest.Pipeline {
	return ingest.New(convos, avatars, b, m, logger)
}

func provideSender(db *store.DB, convos *convo.Store, adapter *wa.Adapter, b *bus.Broker, m *metrics.Set, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, convos, adapter, b, m, logger)
}

func provideServer(p Params, machine *status.Machine, convos *convo.Store, tracker *readstatus.Tracker, avatars *avatar.Cache, db *store.DB, b *bus.Broker, m *metrics.Set, adapter *wa.Adapter, logger *zap.Logger) *httpapi.Server {
	return httpapi.NewServer(p.Config.Daemon.ListenAddr, httpapi.Deps{
		Machine:  machine,
		Convos:   convos,
		Tracker:  tracker,
		Avatars:  avatars,
		DB:       db,
		Broker:   b,
		Metrics:  m,
		Reporter: adapter,
		Auth:     adapter,
		Logger:   logger,
	})
}

func registerLifecycle(lc fx.Lifecycle, srv *httpapi.Server, lk *lock.Lock, adapter *wa.Adapter, convos *convo.Store, pipeline *ingest.Pipeline, sender *outbox.Sender, reconciler *readstatus.Reconciler, avatars *avatar.Cache, machine *status.Machine, b *bus.Broker, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := convos.LoadAll(); err != nil {
				return err
			}

			// Pipeline first so nothing published by the adapter is lost.
			pipeline.Start(context.Background())
			avatars.Start()

			handler := wa.NewEventHandler(b, machine, logger)
			adapter.RegisterEventHandler(handler.Handle)

			srv.Start()
			sender.Start(context.Background())
			reconciler.Start(context.Background())

			machine.SetAuthenticated(adapter.IsLoggedIn())
			if adapter.IsLoggedIn() {
				_ = machine.Transition(status.Connecting)
				go func() {
					if err := adapter.Connect(); err != nil {
						logger.Error("auto-connect failed", zap.Error(err))
						_ = machine.Transition(status.Error)
					}
				}()
			} else {
				logger.Info("no credentials found, auth required")
				_ = machine.Transition(status.AuthRequired)
			}

			return nil
		},
		OnStop: func(ctx context.Context) error {
			reconciler.Stop()
			sender.Stop()
			pipeline.Stop()
			avatars.Stop()
			adapter.Disconnect()
			if err := srv.Stop(ctx); err != nil {
				logger.Warn("error stopping http server", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
