// Package app wires configuration into a running docsearch instance. Both
// binaries build their services through New.
package app

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/spherical-ai/docsearch/internal/blob"
	"github.com/spherical-ai/docsearch/internal/cache"
	"github.com/spherical-ai/docsearch/internal/config"
	"github.com/spherical-ai/docsearch/internal/events"
	"github.com/spherical-ai/docsearch/internal/intake"
	"github.com/spherical-ai/docsearch/internal/observability"
	"github.com/spherical-ai/docsearch/internal/ocr"
	"github.com/spherical-ai/docsearch/internal/ocr/tesseract"
	"github.com/spherical-ai/docsearch/internal/pipeline"
	"github.com/spherical-ai/docsearch/internal/queue"
	"github.com/spherical-ai/docsearch/internal/rasterize"
	"github.com/spherical-ai/docsearch/internal/search"
	"github.com/spherical-ai/docsearch/internal/storage"
)

// Raster is what the pipeline needs from a rasterizer: rendering and cleanup.
type Raster interface {
	rasterize.Rasterizer
	intake.RasterCleaner
}

// App holds every long-lived component.
type App struct {
	Config *config.Config
	Logger *observability.Logger

	Store        *storage.Store
	Cache        cache.Client
	Locker       cache.Locker
	Broker       events.Broker
	Blobs        *blob.FileStore
	Raster       Raster
	Orchestrator *pipeline.Orchestrator
	Queue        *queue.Queue
	Search       *search.Engine
	Intake       *intake.Service

	redis   *cache.RedisClient
	closers []func() error
}

type options struct {
	recognizer ocr.Recognizer
	raster     Raster
	migrate    bool
}

// Option customizes New.
type Option func(*options)

// WithRecognizer replaces the Tesseract recognizer.
func WithRecognizer(r ocr.Recognizer) Option {
	return func(o *options) { o.recognizer = r }
}

// WithRasterizer replaces the MuPDF rasterizer.
func WithRasterizer(r Raster) Option {
	return func(o *options) { o.raster = r }
}

// WithoutMigrations skips applying pending migrations on start.
func WithoutMigrations() Option {
	return func(o *options) { o.migrate = false }
}

// New builds all components. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, logger *observability.Logger, opts ...Option) (a *App, err error) {
	o := options{migrate: true}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = observability.Nop()
	}

	a = &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = a.closeAll()
		}
	}()

	if err := a.openStore(ctx, o.migrate); err != nil {
		return nil, err
	}
	if err := a.openCache(ctx); err != nil {
		return nil, err
	}
	if err := a.openBroker(ctx); err != nil {
		return nil, err
	}

	a.Blobs, err = blob.NewFileStore(cfg.Pipeline.UploadDir)
	if err != nil {
		return nil, err
	}

	a.Raster = o.raster
	if a.Raster == nil {
		a.Raster = rasterize.NewFitzRasterizer(cfg.Pipeline.RasterDir, cfg.Pipeline.RasterDPI, logger)
	}
	recognizer := o.recognizer
	if recognizer == nil {
		recognizer = tesseract.New()
	}

	var resultCache cache.Client
	if cfg.Search.CacheResults {
		resultCache = a.Cache
	}
	a.Search = search.NewEngine(search.NewIndex(), resultCache, search.Options{
		DefaultLimit:   cfg.Search.DefaultLimit,
		MaxLimit:       cfg.Search.MaxLimit,
		SnippetRadius:  cfg.Search.SnippetRadius,
		FallbackLength: cfg.Search.FallbackLength,
		CacheTTL:       cfg.Search.CacheTTL,
	}, logger)

	a.Orchestrator = pipeline.NewOrchestrator(pipeline.Config{
		Store:      a.Store,
		Rasterizer: a.Raster,
		Processor:  pipeline.NewPageProcessor(recognizer, logger),
		Locker:     a.Locker,
		Notifier:   events.NewNotifier(a.Broker, logger),
		Indexer:    a.Search,
		LeaseTTL:   cfg.Queue.LeaseTTL,
		Logger:     logger,
	})

	a.Queue = queue.New(a.Orchestrator, queue.Options{
		Workers:  cfg.Queue.Workers,
		Capacity: cfg.Queue.Capacity,
	}, logger)

	a.Intake = intake.NewService(intake.Config{
		Store:           a.Store,
		Blobs:           a.Blobs,
		Queue:           a.Queue,
		Locker:          a.Locker,
		Index:           a.Search,
		Pages:           a.Orchestrator,
		Rasters:         a.Raster,
		DefaultLanguage: cfg.Pipeline.DefaultLanguage,
		MaxUploadBytes:  cfg.Pipeline.MaxUploadBytes,
		Logger:          logger,
	})

	return a, nil
}

func (a *App) openStore(ctx context.Context, migrate bool) error {
	db := a.Config.Database
	opts := storage.Options{Driver: db.Driver, DSN: a.Config.DatabaseDSN()}
	if db.Driver == "postgres" {
		opts.MaxOpenConns = db.Postgres.MaxOpenConns
		opts.MaxIdleConns = db.Postgres.MaxIdleConns
		opts.ConnMaxLifetime = db.Postgres.ConnMaxLifetime
	} else {
		opts.MaxOpenConns = db.SQLite.MaxOpenConns
		opts.JournalMode = db.SQLite.JournalMode
	}

	store, err := storage.Open(ctx, opts)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)

	if !migrate {
		return nil
	}
	ran, err := store.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	if len(ran) > 0 {
		a.Logger.Info().Strs("versions", ran).Msg("Applied migrations")
	}
	return nil
}

// redisClient connects lazily so a memory-only setup never dials Redis.
func (a *App) redisClient(ctx context.Context) (*cache.RedisClient, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	rc := a.Config.Cache.Redis
	client, err := cache.NewRedisClient(ctx, cache.RedisConfig{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
		PoolSize: rc.PoolSize,
		Prefix:   rc.Prefix,
	})
	if err != nil {
		return nil, err
	}
	a.redis = client
	a.closers = append(a.closers, client.Close)
	return client, nil
}

func (a *App) openCache(ctx context.Context) error {
	if a.Config.Cache.Driver == "redis" {
		client, err := a.redisClient(ctx)
		if err != nil {
			return fmt.Errorf("connect cache: %w", err)
		}
		a.Cache = client
		a.Locker = client
		return nil
	}

	mem := cache.NewMemoryClient(a.Config.Cache.MaxEntries)
	a.closers = append(a.closers, mem.Close)
	a.Cache = mem
	// leases live in the database so CLI workers and the API see each other
	a.Locker = a.Store.Leases
	return nil
}

func (a *App) openBroker(ctx context.Context) error {
	if a.Config.Events.Driver == "redis" {
		client, err := a.redisClient(ctx)
		if err != nil {
			return fmt.Errorf("connect event broker: %w", err)
		}
		a.Broker = events.NewRedisBroker(client, a.Config.Events.Source)
	} else {
		a.Broker = events.NewMemoryBroker(a.Config.Events.Buffer)
	}
	a.closers = append(a.closers, a.Broker.Close)
	return nil
}

// Start rebuilds the search index, starts the workers and re-dispatches
// jobs left over from a previous run.
func (a *App) Start(ctx context.Context) error {
	indexed, err := a.Search.Rebuild(ctx, a.Store.Pages, a.Store.Documents)
	if err != nil {
		return fmt.Errorf("rebuild search index: %w", err)
	}
	a.Logger.Info().Int("pages", indexed).Msg("Search index loaded")
	a.Queue.Start(ctx)
	if _, err := a.Intake.Recover(ctx); err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}
	return nil
}

// Run starts the app and blocks until ctx is done and the workers drained,
// running any extra services alongside. The first service error cancels the
// rest.
func (a *App) Run(ctx context.Context, services ...func(ctx context.Context) error) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.Config.Server.GracefulShutdown)
		defer cancel()
		return a.Queue.Close(drainCtx)
	})
	if every := a.Config.Search.RefreshInterval; every > 0 {
		g.Go(func() error { return a.Search.Refresh(gctx, every, a.Store.Pages, a.Store.Documents) })
	}
	for _, svc := range services {
		g.Go(func() error { return svc(gctx) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases connections in reverse order of creation.
func (a *App) Close() error {
	if a.Queue != nil {
		_ = a.Queue.Close(context.Background())
	}
	return a.closeAll()
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Health reports whether the backing stores are reachable.
func (a *App) Health(ctx context.Context) map[string]string {
	status := map[string]string{"database": "ok"}
	if err := a.Store.Ping(ctx); err != nil {
		status["database"] = err.Error()
	}
	if a.redis != nil {
		status["redis"] = "ok"
		if err := a.redis.Ping(ctx); err != nil {
			status["redis"] = err.Error()
		}
	}
	return status
}
