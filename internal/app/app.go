// Package app wires the service together from a loaded configuration: the
// store, the resolution engine, the worker pool, the action executors and the
// notification transports. The CLI commands and the HTTP server share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/ImCalebP/ai-employee/internal/actions"
	"github.com/ImCalebP/ai-employee/internal/backup"
	"github.com/ImCalebP/ai-employee/internal/config"
	"github.com/ImCalebP/ai-employee/internal/engine"
	"github.com/ImCalebP/ai-employee/internal/llm"
	"github.com/ImCalebP/ai-employee/internal/orchestrator"
	"github.com/ImCalebP/ai-employee/internal/server"
	"github.com/ImCalebP/ai-employee/internal/storage"
	"github.com/ImCalebP/ai-employee/internal/storage/postgres"
	"github.com/ImCalebP/ai-employee/internal/storage/redis"
	"github.com/ImCalebP/ai-employee/internal/storage/sqlite"
	"github.com/ImCalebP/ai-employee/internal/transport"
)

// App holds the running components.
type App struct {
	Config *config.Config
	Logger *zap.Logger

	Store        storage.Store
	Embedder     llm.EmbeddingGenerator
	Tracker      *engine.PendingTracker
	Resolver     *engine.Resolver
	Retriever    *engine.Retriever
	Janitor      *engine.PendingJanitor
	Pool         *orchestrator.WorkerPool
	Registry     *orchestrator.Registry
	Orchestrator *orchestrator.Orchestrator
	Hub          *transport.WebSocketHub
	Notifier     transport.Notifier
	Backup       *backup.Service

	spool     *transport.SpoolWatcher
	amqp      *transport.AMQPPublisher
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Options selects how the process takes part in notification delivery.
type Options struct {
	// Serve builds the long-running server: notifications go to the
	// websocket hub, and notifications spooled by other processes are
	// relayed to it. Without Serve, notifications are spooled for a running
	// server to deliver.
	Serve bool
}

// New builds every component described by cfg. Nothing runs in the
// background until Start is called.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Store = store

	embedder, err := llm.NewEmbeddingGenerator(cfg.Embedding, logger.Named("embedding"))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	a.Embedder = embedder

	engCfg := cfg.EngineConfig()
	a.Tracker = engine.NewPendingTracker(store, engCfg, logger.Named("pending"))
	a.Resolver = engine.NewResolver(store, store, a.Tracker, engCfg, logger.Named("resolver"))
	a.Retriever = engine.NewRetriever(store, embedder, engCfg, logger.Named("retriever"))
	a.Janitor = engine.NewPendingJanitor(a.Tracker, engCfg, logger.Named("janitor"))

	notifiers := transport.Fanout{transport.LogNotifier{Logger: logger.Named("notify")}}
	spoolDir := cfg.SpoolDir()
	switch {
	case opts.Serve && cfg.Transport.WebSocket:
		a.Hub = transport.NewWebSocketHub(cfg.Server.AllowedOrigins, logger.Named("ws"))
		notifiers = append(notifiers, a.Hub)
		if spoolDir != "" {
			a.spool = transport.NewSpoolWatcher(spoolDir, a.Hub, logger.Named("spool"))
		}
	case !opts.Serve && spoolDir != "":
		notifiers = append(notifiers, transport.NewSpoolWriter(spoolDir))
	}
	if cfg.Transport.AMQP.URL != "" {
		pub, err := transport.NewAMQPPublisher(cfg.Transport.AMQP)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		a.amqp = pub
		notifiers = append(notifiers, pub)
	}
	a.Notifier = notifiers

	pool, err := orchestrator.NewWorkerPool(cfg.Orchestrator.PoolSize, logger.Named("pool"))
	if err != nil {
		_ = a.closeTransports()
		_ = store.Close()
		return nil, err
	}
	a.Pool = pool

	a.Registry = orchestrator.NewRegistry()
	err = actions.RegisterAll(a.Registry, actions.Deps{
		Entities:  store,
		Mentions:  store,
		Resolver:  a.Resolver,
		Retriever: a.Retriever,
		Embedder:  embedder,
		Notifier:  a.Notifier,
		Logger:    logger.Named("actions"),
	})
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("failed to register actions: %w", err)
	}

	if dir := cfg.BackupDir(); dir != "" {
		a.Backup, err = backup.NewService(backup.Config{
			DBPath:    cfg.SQLitePath(),
			Dir:       dir,
			Interval:  cfg.Storage.BackupInterval,
			Retention: cfg.Storage.BackupRetention,
			Verify:    cfg.Storage.BackupVerify,
		}, logger.Named("backup"))
		if err != nil {
			_ = a.Close()
			return nil, err
		}
	}

	a.Orchestrator, err = orchestrator.New(pool, a.Registry, cfg.OrchestratorConfig(), orchestrator.Options{
		Resolver: a.Resolver,
		Notifier: a.Notifier,
		Logger:   logger.Named("orchestrator"),
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// openStore opens the configured entity store, routing pending entities to
// Redis when an address is set.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.Store, error) {
	var base storage.Store
	switch cfg.Storage.Engine {
	case "postgres":
		s, err := postgres.NewStore(cfg.Storage.PostgresDSN, logger.Named("postgres"))
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		base = s
	default:
		path := cfg.SQLitePath()
		if path != ":memory:" {
			if err := os.MkdirAll(cfg.Storage.DataPath, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
		s, err := sqlite.NewStore(path, logger.Named("sqlite"))
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		base = s
	}

	if cfg.Storage.RedisAddr == "" {
		return base, nil
	}
	pending, err := redis.NewPendingStore(ctx, redis.Config{
		Address:  cfg.Storage.RedisAddr,
		Password: cfg.Storage.RedisPassword,
		DB:       cfg.Storage.RedisDB,
		Prefix:   cfg.Storage.RedisPrefix,
	})
	if err != nil {
		_ = base.Close()
		return nil, err
	}
	logger.Info("pending entities stored in redis", zap.String("addr", cfg.Storage.RedisAddr))
	return storage.WithPendingStore(base, pending, pending.Close), nil
}

// ServerDeps returns the components the HTTP API exposes.
func (a *App) ServerDeps() server.Deps {
	return server.Deps{
		Resolver:     a.Resolver,
		Retriever:    a.Retriever,
		Orchestrator: a.Orchestrator,
		Pool:         a.Pool,
		Hub:          a.Hub,
		Embedder:     a.Embedder,
		Logger:       a.Logger.Named("http"),
	}
}

// Start probes the embedding provider, then runs the background loops: the
// websocket hub with its spool relay, the pending janitor when idle
// abandonment is configured, and scheduled backups when an interval is set.
// They stop when ctx is cancelled or Close is called.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	if a.Hub != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.Hub.Run()
		}()
	}
	if a.spool != nil {
		if err := a.spool.Start(); err != nil {
			return fmt.Errorf("failed to watch notification spool: %w", err)
		}
	}

	if hc, ok := a.Embedder.(interface{ HealthCheck(context.Context) error }); ok {
		if err := hc.HealthCheck(ctx); err != nil {
			a.Logger.Warn("embedding provider unreachable, semantic search will fail until it is up",
				zap.String("model", a.Embedder.GetModel()), zap.Error(err))
		}
	}

	engCfg := a.Config.EngineConfig()
	if engCfg.JanitorInterval > 0 && engCfg.PendingIdleTimeout > 0 {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.Janitor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.Logger.Warn("pending janitor exited", zap.Error(err))
			}
		}()
	}

	if a.Backup != nil && a.Config.Storage.BackupInterval > 0 {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.Backup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.Logger.Warn("backup scheduler exited", zap.Error(err))
			}
		}()
	}
	return nil
}

// Close stops the background loops, drains the worker pool and closes the
// transports and the store. It is safe to call more than once.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		var errs []error
		if a.cancel != nil {
			a.cancel()
		}
		if a.spool != nil {
			a.spool.Stop()
		}
		if a.Hub != nil {
			a.Hub.Stop()
		}
		a.wg.Wait()
		if a.Pool != nil {
			if err := a.Pool.Close(); err != nil {
				errs = append(errs, fmt.Errorf("worker pool: %w", err))
			}
		}
		if err := a.closeTransports(); err != nil {
			errs = append(errs, err)
		}
		if err := a.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

func (a *App) closeTransports() error {
	if a.amqp == nil {
		return nil
	}
	if err := a.amqp.Close(); err != nil {
		return fmt.Errorf("amqp: %w", err)
	}
	return nil
}
