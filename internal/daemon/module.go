// Package daemon composes the sync engine out of its components using fx.
package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/arktis/msync/internal/bus"
	"github.com/arktis/msync/internal/config"
	"github.com/arktis/msync/internal/engine"
	"github.com/arktis/msync/internal/lock"
	"github.com/arktis/msync/internal/logging"
	"github.com/arktis/msync/internal/netmon"
	"github.com/arktis/msync/internal/outbox"
	"github.com/arktis/msync/internal/remote"
	"github.com/arktis/msync/internal/status"
	"github.com/arktis/msync/internal/store"
	msync "github.com/arktis/msync/internal/sync"
	"github.com/arktis/msync/internal/window"
)

// Params holds the resolved startup configuration passed to the fx module.
type Params struct {
	ConfigPath string
	Token      string // overrides the config file token when non-empty
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideRemote,
			asClient,
			provideMonitor,
			provideProcessor,
			provideReconciler,
			provideWindows,
			provideEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg, err := config.Load(p.ConfigPath)
	if err != nil {
		return nil, err
	}
	if p.Token != "" {
		cfg.Remote.Token = p.Token
	}
	return cfg, nil
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(config.LogPath(cfg.DataDir))
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	if err := config.EnsureDir(cfg.DataDir); err != nil {
		return nil, err
	}
	logger.Info("acquiring data dir lock", zap.String("dir", cfg.DataDir))
	l, err := lock.Acquire(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

func provideStore(cfg *config.Config, logger *zap.Logger) (*store.DB, error) {
	dbPath := config.DBPath(cfg.DataDir)
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
	logger.Info("store initialized",
		zap.String("path", dbPath),
		zap.Bool("search_indexed", result.SearchIndexed))
	return db, nil
}

func provideRemote(cfg *config.Config, logger *zap.Logger) *remote.HTTPClient {
	return remote.NewHTTPClient(cfg.Remote.URL, cfg.Remote.Token, cfg.Timeout(), logger)
}

func asClient(c *remote.HTTPClient) remote.Client {
	return c
}

func provideMonitor(cfg *config.Config, hc *remote.HTTPClient, b *bus.Bus, logger *zap.Logger) *netmon.Monitor {
	return netmon.New(hc.Health, cfg.ProbeInterval(), b, logger)
}

func provideProcessor(cfg *config.Config, db *store.DB, client remote.Client, mon *netmon.Monitor, b *bus.Bus, logger *zap.Logger) *outbox.Processor {
	opts := outbox.Options{
		RetryCeiling: cfg.Engine.RetryCeiling,
		BackoffBase:  cfg.BackoffBase(),
		BackoffCap:   cfg.BackoffCap(),
		PollInterval: cfg.PollInterval(),
		Online:       mon.Online,
	}
	return outbox.NewProcessor(db, client, b, logger, opts)
}

func provideReconciler(cfg *config.Config, db *store.DB, client remote.Client, b *bus.Bus, logger *zap.Logger) *msync.Reconciler {
	return msync.NewReconciler(db, client, b, logger, cfg.SyncInterval())
}

func provideWindows(cfg *config.Config, db *store.DB) *window.Manager {
	return window.NewManager(db, cfg.Engine.WindowCapacity)
}

func provideEngine(db *store.DB, client remote.Client, queue *outbox.Processor, rec *msync.Reconciler,
	windows *window.Manager, mon *netmon.Monitor, machine *status.Machine,
	b *bus.Bus, logger *zap.Logger) *engine.Engine {
	return engine.New(db, client, queue, rec, windows, mon, machine, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, eng *engine.Engine, db *store.DB, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := eng.Start(context.Background()); err != nil {
				return err
			}
			logger.Info("engine started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			eng.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
