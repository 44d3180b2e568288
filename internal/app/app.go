// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mirrorops/vodsync/internal/backoff"
	"github.com/mirrorops/vodsync/internal/browser"
	"github.com/mirrorops/vodsync/internal/clock/system"
	"github.com/mirrorops/vodsync/internal/commit"
	"github.com/mirrorops/vodsync/internal/config"
	"github.com/mirrorops/vodsync/internal/discovery"
	"github.com/mirrorops/vodsync/internal/diskstat"
	"github.com/mirrorops/vodsync/internal/executor"
	"github.com/mirrorops/vodsync/internal/id/uuid"
	"github.com/mirrorops/vodsync/internal/lockfile"
	"github.com/mirrorops/vodsync/internal/pipeline"
	"github.com/mirrorops/vodsync/internal/progress"
	"github.com/mirrorops/vodsync/internal/progress/sinks"
	memorypub "github.com/mirrorops/vodsync/internal/publisher/memory"
	"github.com/mirrorops/vodsync/internal/publisher/noop"
	"github.com/mirrorops/vodsync/internal/publisher/pubsub"
	"github.com/mirrorops/vodsync/internal/recordstore"
	"github.com/mirrorops/vodsync/internal/reserve"
	"github.com/mirrorops/vodsync/internal/storage/gcs"
	"github.com/mirrorops/vodsync/internal/storage/local"
	storagememory "github.com/mirrorops/vodsync/internal/storage/memory"
)

// App holds all the shared, long-lived services for the application. It is
// initialized once at startup and passed to the commands that need it.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	hub      *progress.Hub

	store     pipeline.RecordStore
	blobs     pipeline.BlobStore
	committer pipeline.Committer
	publisher pipeline.Publisher
	reserver  *reserve.Manager
	backoff   *backoff.Controller
	browsers  *browser.Manager
	source    pipeline.Discovery
	executor  pipeline.Executor
	clock     pipeline.Clock
	ids       pipeline.IDGenerator

	// closers run in reverse registration order during Close.
	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func(context.Context) error
}

// New creates and initializes an App from validated configuration. It is the
// central point for service initialization and fails fast if any critical
// service cannot be constructed.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		clock:    system.New(),
		ids:      uuid.NewGenerator(),
	}

	lockCfg := lockfile.Config{
		AttemptTimeout: time.Duration(cfg.Lock.AttemptTimeoutSeconds) * time.Second,
		MaxAttempts:    cfg.Lock.MaxAttempts,
		BackoffBase:    time.Duration(cfg.Lock.BackoffBaseMs) * time.Millisecond,
	}

	if err := a.initProgress(); err != nil {
		return nil, a.failInit(err)
	}
	if err := a.initRecordStore(ctx, lockCfg); err != nil {
		return nil, a.failInit(err)
	}
	if err := a.initBlobStore(ctx); err != nil {
		return nil, a.failInit(err)
	}
	if err := a.initCommitter(ctx, lockCfg); err != nil {
		return nil, a.failInit(err)
	}
	if err := a.initPublisher(ctx); err != nil {
		return nil, a.failInit(err)
	}
	if err := a.initReserver(lockCfg); err != nil {
		return nil, a.failInit(err)
	}
	if err := a.initBackoff(); err != nil {
		return nil, a.failInit(err)
	}
	a.initBrowsers()
	if err := a.initDiscovery(); err != nil {
		return nil, a.failInit(err)
	}
	if err := a.initExecutor(); err != nil {
		return nil, a.failInit(err)
	}

	logger.Info("application services initialized",
		zap.String("store", cfg.Store.Provider),
		zap.String("storage", cfg.Storage.Provider),
		zap.String("remote", cfg.Remote.Provider),
		zap.String("publisher", cfg.Publisher.Provider),
		zap.String("discovery", cfg.Discovery.Provider),
	)
	return a, nil
}

// failInit tears down whatever was already built before surfacing err.
func (a *App) failInit(err error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if cerr := a.Close(ctx); cerr != nil {
		a.logger.Warn("cleanup after failed init", zap.Error(cerr))
	}
	return err
}

func (a *App) initProgress() error {
	promSink, err := sinks.NewPrometheusSink(a.registry)
	if err != nil {
		return fmt.Errorf("init prometheus sink: %w", err)
	}
	a.hub = progress.NewHub(progress.Config{Logger: a.logger}, sinks.NewLogSink(a.logger), promSink)
	a.addCloser("progress hub", a.hub.Close)
	return nil
}

func (a *App) initRecordStore(ctx context.Context, lockCfg lockfile.Config) error {
	var err error
	switch a.cfg.Store.Provider {
	case "file":
		a.store, err = recordstore.NewFileStore(recordstore.FileConfig{
			Path: a.cfg.Store.Path,
			Lock: lockCfg,
		}, a.logger)
	case "postgres":
		a.store, err = recordstore.NewPostgresStore(ctx, recordstore.PostgresConfig{
			DSN:   a.cfg.Store.DSN,
			Table: a.cfg.Store.Table,
		})
	case "memory":
		a.store = recordstore.NewMemoryStore()
	default:
		return fmt.Errorf("unknown store provider: %s", a.cfg.Store.Provider)
	}
	if err != nil {
		return fmt.Errorf("init record store: %w", err)
	}
	a.addCloser("record store", func(context.Context) error { return a.store.Close() })
	return nil
}

func (a *App) initBlobStore(ctx context.Context) error {
	switch a.cfg.Storage.Provider {
	case "gcs":
		bs, err := gcs.New(ctx, gcs.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return fmt.Errorf("init gcs blob store: %w", err)
		}
		a.blobs = bs
		a.addCloser("gcs blob store", func(context.Context) error { return bs.Close() })
	case "local":
		bs, err := local.New(local.Config{BaseDir: a.cfg.Storage.BaseDir})
		if err != nil {
			return fmt.Errorf("init local blob store: %w", err)
		}
		a.blobs = bs
	case "memory":
		a.blobs = storagememory.NewBlobStore()
	default:
		return fmt.Errorf("unknown storage provider: %s", a.cfg.Storage.Provider)
	}
	return nil
}

func (a *App) initCommitter(ctx context.Context, lockCfg lockfile.Config) error {
	var remote commit.RemoteStore
	switch a.cfg.Remote.Provider {
	case "gcs":
		rs, err := commit.NewGCSStore(ctx, a.cfg.Remote.Bucket, a.cfg.Remote.Object)
		if err != nil {
			return fmt.Errorf("init gcs remote store: %w", err)
		}
		remote = rs
		a.addCloser("gcs remote store", func(context.Context) error { return rs.Close() })
	case "dir":
		rs, err := commit.NewDirStore(a.cfg.Remote.Dir, lockCfg, a.logger)
		if err != nil {
			return fmt.Errorf("init dir remote store: %w", err)
		}
		remote = rs
	case "none":
		a.logger.Info("remote commits disabled, completed records stay local")
		a.committer = noopCommitter{}
		return nil
	default:
		return fmt.Errorf("unknown remote provider: %s", a.cfg.Remote.Provider)
	}

	c, err := commit.New(remote, commit.Config{
		MaxAttempts: a.cfg.Remote.MaxAttempts,
		FallbackDir: a.cfg.Remote.FallbackDir,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("init commit coordinator: %w", err)
	}
	a.committer = c
	return nil
}

func (a *App) initPublisher(ctx context.Context) error {
	switch a.cfg.Publisher.Provider {
	case "pubsub":
		p, err := pubsub.New(ctx, a.cfg.Publisher.ProjectID, a.cfg.Publisher.TopicID)
		if err != nil {
			return fmt.Errorf("init pubsub publisher: %w", err)
		}
		a.publisher = p
	case "memory":
		a.publisher = memorypub.New()
	case "noop":
		a.publisher = noop.New()
	default:
		return fmt.Errorf("unknown publisher provider: %s", a.cfg.Publisher.Provider)
	}
	a.addCloser("publisher", func(context.Context) error { return a.publisher.Close() })
	return nil
}

func (a *App) initReserver(lockCfg lockfile.Config) error {
	m, err := reserve.New(reserve.Config{
		LedgerPath: a.cfg.Reserve.LedgerPath,
		SpoolDir:   a.cfg.Reserve.SpoolDir,
		StaleAfter: a.cfg.Reserve.StaleAfter(),
		Lock:       lockCfg,
		Prober:     diskstat.System{},
	}, a.logger)
	if err != nil {
		return fmt.Errorf("init reservation manager: %w", err)
	}
	a.reserver = m
	return nil
}

func (a *App) initBackoff() error {
	ladder := backoff.DefaultLadder()
	if len(a.cfg.Backoff.Rungs) > 0 {
		ladder = make([]backoff.Rung, 0, len(a.cfg.Backoff.Rungs))
		for _, r := range a.cfg.Backoff.Rungs {
			ladder = append(ladder, backoff.Rung{
				Failures:  r.Failures,
				Wait:      time.Duration(r.WaitMinutes) * time.Minute,
				Terminate: r.Terminate,
			})
		}
	}
	ctl, err := backoff.New(ladder, a.logger)
	if err != nil {
		return fmt.Errorf("init backoff controller: %w", err)
	}
	a.backoff = ctl
	return nil
}

func (a *App) initBrowsers() {
	a.browsers = browser.NewManager(browser.Config{
		UserAgent:       a.cfg.Browser.UserAgent,
		SnapshotTimeout: time.Duration(a.cfg.Browser.SnapshotTimeoutSeconds) * time.Second,
		MaxUses:         a.cfg.Browser.MaxUses,
		PollInterval:    time.Duration(a.cfg.Browser.PollIntervalMs) * time.Millisecond,
		PollAttempts:    a.cfg.Browser.PollAttempts,
	}, a.logger)
	a.addCloser("browser manager", func(ctx context.Context) error {
		a.browsers.Retire(ctx)
		return nil
	})
}

func (a *App) initDiscovery() error {
	switch a.cfg.Discovery.Provider {
	case "static":
		a.source = discovery.NewStatic(a.cfg.Discovery.URLs, a.ids)
	case "colly":
		src, err := discovery.NewCollySource(discovery.CollyConfig{
			ListingURL:        a.cfg.Discovery.ListingURL,
			LinkSelector:      a.cfg.Discovery.LinkSelector,
			MaxPages:          a.cfg.Discovery.MaxPages,
			RequestsPerSecond: a.cfg.Discovery.RequestsPerSecond,
			UserAgent:         a.cfg.Discovery.UserAgent,
			Timeout:           time.Duration(a.cfg.Discovery.TimeoutSeconds) * time.Second,
		}, a.ids, a.logger)
		if err != nil {
			return fmt.Errorf("init colly discovery: %w", err)
		}
		a.source = src
	default:
		return fmt.Errorf("unknown discovery provider: %s", a.cfg.Discovery.Provider)
	}
	return nil
}

func (a *App) initExecutor() error {
	ex, err := executor.New(a.blobs, executor.Config{
		BlobPrefix:  a.cfg.Storage.Prefix,
		ContentType: a.cfg.Storage.ContentType,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("init executor: %w", err)
	}
	a.executor = ex
	return nil
}

func (a *App) addCloser(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, namedCloser{name: name, close: fn})
}

// Close shuts services down in reverse initialization order. Every closer
// runs; failures are collected rather than aborting the teardown.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("service", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// GetLogger returns the shared zap logger instance.
func (a *App) GetLogger() *zap.Logger { return a.logger }

// GetRegistry exposes the prometheus registry backing /metrics.
func (a *App) GetRegistry() *prometheus.Registry { return a.registry }

// GetHub returns the progress event hub.
func (a *App) GetHub() *progress.Hub { return a.hub }

// GetRecordStore returns the configured record store.
func (a *App) GetRecordStore() pipeline.RecordStore { return a.store }

// GetBlobStore returns the configured artifact blob store.
func (a *App) GetBlobStore() pipeline.BlobStore { return a.blobs }

// GetCommitter returns the durable-commit coordinator.
func (a *App) GetCommitter() pipeline.Committer { return a.committer }

// GetPublisher returns the completion-event publisher.
func (a *App) GetPublisher() pipeline.Publisher { return a.publisher }

// GetReserver returns the disk reservation manager.
func (a *App) GetReserver() *reserve.Manager { return a.reserver }

// GetBackoff returns the discovery backoff controller.
func (a *App) GetBackoff() *backoff.Controller { return a.backoff }

// GetBrowsers returns the browser lifecycle manager.
func (a *App) GetBrowsers() *browser.Manager { return a.browsers }

// GetDiscovery returns the configured work source.
func (a *App) GetDiscovery() pipeline.Discovery { return a.source }

// GetExecutor returns the snapshot executor.
func (a *App) GetExecutor() pipeline.Executor { return a.executor }

// GetClock returns the wall clock.
func (a *App) GetClock() pipeline.Clock { return a.clock }

// GetIDs returns the run/item ID generator.
func (a *App) GetIDs() pipeline.IDGenerator { return a.ids }

// noopCommitter satisfies pipeline.Committer when no remote is configured.
type noopCommitter struct{}

func (noopCommitter) Commit(context.Context, []pipeline.RecordEntry) error { return nil }
