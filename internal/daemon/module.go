// Package daemon composes the profile-scoped sync daemon: one lock, one
// cache DB, one gateway connection, one engine.
package daemon

import (
	"context"
	"os"

	"github.com/offlinekit/msgsync/internal/bus"
	"github.com/offlinekit/msgsync/internal/config"
	"github.com/offlinekit/msgsync/internal/engine"
	"github.com/offlinekit/msgsync/internal/lock"
	"github.com/offlinekit/msgsync/internal/logging"
	"github.com/offlinekit/msgsync/internal/outbound"
	"github.com/offlinekit/msgsync/internal/profile"
	"github.com/offlinekit/msgsync/internal/reconcile"
	"github.com/offlinekit/msgsync/internal/remote"
	"github.com/offlinekit/msgsync/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideLock,
			provideStore,
			provideGateway,
			provideQueue,
			provideReconciler,
			provideEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideConfig(logger *zap.Logger) (*config.Config, error) {
	path := profile.ConfigPath()
	cfg, err := config.Load(path)
	if os.IsNotExist(err) {
		logger.Info("no config file, writing defaults", zap.String("path", path))
		cfg = config.Default()
		if err := config.Save(path, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return cfg, err
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.CacheDBPath(p.ProfileName)
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

func provideGateway(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *remote.Gateway {
	return remote.NewGateway(cfg.Gateway.BaseURL, cfg.Gateway.Token, b, logger)
}

func provideQueue(db *store.DB, gw *remote.Gateway, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *outbound.Queue {
	return outbound.New(db, gw, b, logger, outbound.Options{
		BaseDelay:   cfg.Sync.BaseDelay(),
		MaxDelay:    cfg.Sync.MaxDelay(),
		MaxAttempts: cfg.Sync.SendMaxAttempts,
	})
}

func provideReconciler(db *store.DB, gw *remote.Gateway, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *reconcile.Reconciler {
	return reconcile.New(db, gw, b, logger, cfg.Identity.UserID, cfg.Sync.EchoWindow())
}

func provideEngine(db *store.DB, gw *remote.Gateway, q *outbound.Queue, rec *reconcile.Reconciler,
	cfg *config.Config, b *bus.Bus, logger *zap.Logger) *engine.Engine {
	return engine.New(db, gw, gw, q, rec, b, logger, engine.Options{
		UserID:        cfg.Identity.UserID,
		DisplayName:   cfg.Identity.DisplayName,
		ReadDebounce:  cfg.Sync.ReadDebounce(),
		FetchPageSize: cfg.Sync.FetchPageSize,
	})
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, e *engine.Engine, q *outbound.Queue, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Queue first so engine sends have a running worker pool.
			q.Start(context.Background())
			e.Start(context.Background())
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			e.Stop()
			q.Stop()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
