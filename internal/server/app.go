// Package server builds the application from configuration and owns its
// lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/api"
	"github.com/JakeFAU/sitecrawler/internal/clock/system"
	"github.com/JakeFAU/sitecrawler/internal/config"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/sitecrawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/sitecrawler/internal/fetcher/headless"
	"github.com/JakeFAU/sitecrawler/internal/hash/sha256"
	"github.com/JakeFAU/sitecrawler/internal/id/uuid"
	"github.com/JakeFAU/sitecrawler/internal/logging"
	"github.com/JakeFAU/sitecrawler/internal/manager"
	"github.com/JakeFAU/sitecrawler/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/sitecrawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/sitecrawler/internal/publisher/pubsub"
	"github.com/JakeFAU/sitecrawler/internal/spider"
	gcsstorage "github.com/JakeFAU/sitecrawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/sitecrawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/sitecrawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/sitecrawler/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/sitecrawler/internal/storage/sqlite"
	"github.com/JakeFAU/sitecrawler/internal/telemetry"
	"github.com/JakeFAU/sitecrawler/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	records crawler.RecordStore
	jobs    crawler.JobStore
	manager *manager.Manager
	api     *api.Server

	headless     *headlessfetcher.Fetcher
	pubsubClient *pubsub.Client
	publisher    *gcppublisher.Publisher
	gcsClient    *storage.Client
	closers      []func() error

	tracerShutdown func(context.Context) error
}

// Build creates the application's dependencies. The returned App must be
// closed by the caller.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{cfg: cfg, logger: logger}
	if err := app.build(ctx); err != nil {
		_ = app.Close(context.Background())
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	tp, err := telemetry.InitTracerProvider(ctx, a.cfg.Telemetry.ServiceName)
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerShutdown = tp.Shutdown

	a.logger.Info("building application dependencies",
		zap.String("storage", a.cfg.Storage.Provider),
		zap.String("archive", a.cfg.Archive.Provider),
		zap.Bool("headless", a.cfg.Headless.Enabled),
	)

	if err := a.setupStores(ctx); err != nil {
		return err
	}
	blobs, err := a.setupArchive(ctx)
	if err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}
	dynamic, err := a.setupHeadless()
	if err != nil {
		return err
	}

	clock := system.New()
	pool := worker.New(
		a.records,
		blobs,
		sha256.New(),
		clock,
		ratelimit.New(ratelimit.Config{
			DefaultRPS:   a.cfg.Crawler.RateLimitRPS,
			DefaultBurst: a.cfg.Crawler.RateLimitBurst,
		}),
		crawler.NewExponentialRetryPolicy(
			a.cfg.Crawler.MaxAttempts(),
			a.cfg.Crawler.RetryBackoff,
			a.cfg.Crawler.RetryBackoffMax,
		),
		worker.Config{
			Concurrency:    a.cfg.Crawler.Concurrency,
			RequestTimeout: a.cfg.Crawler.RequestTimeout,
			ContentType:    a.cfg.Archive.ContentType,
			ArchivePrefix:  a.cfg.Archive.Prefix,
		},
		a.logger,
	)
	static := collyfetcher.New(collyfetcher.Config{
		UserAgent:     a.cfg.Crawler.UserAgent,
		RespectRobots: a.cfg.Crawler.RespectRobots,
		Timeout:       a.cfg.Crawler.RequestTimeout,
	})
	spiderEngine := spider.New(spider.Config{
		Concurrency:    a.cfg.Crawler.Concurrency,
		UserAgent:      a.cfg.Crawler.UserAgent,
		RespectRobots:  a.cfg.Crawler.RespectRobots,
		RequestTimeout: a.cfg.Crawler.RequestTimeout,
		Delay:          a.cfg.Crawler.SpiderDelay,
	}, a.records, clock, a.logger)

	a.manager, err = manager.New(manager.Config{
		MaxDepthLimit:   a.cfg.Crawler.MaxDepthLimit,
		CompletionTopic: a.cfg.Crawler.CompletionTopic,
	}, manager.Dependencies{
		Pool:      pool,
		Spider:    spiderEngine,
		Static:    static,
		Dynamic:   dynamic,
		Jobs:      a.jobs,
		Publisher: publisher,
		IDs:       uuid.New(),
		Clock:     clock,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("manager init failed: %w", err)
	}

	a.api = api.NewServer(a.manager, a.records, clock, a.cfg, a.logger)
	return nil
}

func (a *App) setupStores(ctx context.Context) error {
	switch a.cfg.Storage.Provider {
	case config.StorageSQLite:
		store, err := sqlitestore.Open(ctx, sqlitestore.Config{Path: a.cfg.Storage.SQLite.Path})
		if err != nil {
			return fmt.Errorf("sqlite store init failed: %w", err)
		}
		a.records, a.jobs = store, store
		a.closers = append(a.closers, store.Close)
		a.logger.Info("using sqlite storage", zap.String("path", a.cfg.Storage.SQLite.Path))
	case config.StoragePostgres:
		pg := a.cfg.Storage.Postgres
		store, err := pgstore.New(ctx, pgstore.Config{
			DSN:             pg.DSN,
			RecordsTable:    pg.RecordsTable,
			JobsTable:       pg.JobsTable,
			MaxConns:        pg.MaxConns,
			MinConns:        pg.MinConns,
			MaxConnLifetime: pg.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		a.records, a.jobs = store, store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
		a.logger.Info("using postgres storage", zap.String("records_table", pg.RecordsTable))
	default:
		a.records = memorystorage.NewRecordStore()
		a.jobs = memorystorage.NewJobStore()
		a.logger.Info("using in-memory storage")
	}
	return nil
}

func (a *App) setupArchive(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Archive.Provider {
	case config.ArchiveLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		a.logger.Info("archiving pages locally", zap.String("base_dir", a.cfg.Archive.BaseDir))
		return blobs, nil
	case config.ArchiveGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Archive.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.logger.Info("archiving pages to GCS", zap.String("bucket", a.cfg.Archive.GCSBucket))
		return blobs, nil
	default:
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("no Pub/Sub project configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.publisher, err = gcppublisher.New(client)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.Crawler.CompletionTopic),
	)
	return a.publisher, nil
}

func (a *App) setupHeadless() (crawler.Fetcher, error) {
	if !a.cfg.Headless.Enabled {
		return headlessfetcher.NewNoop(), nil
	}
	fetcher, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       a.cfg.Headless.MaxParallel,
		UserAgent:         a.cfg.Crawler.UserAgent,
		NavigationTimeout: a.cfg.Headless.NavTimeout,
		SettleDelay:       a.cfg.Headless.SettleDelay,
	})
	if err != nil {
		return nil, fmt.Errorf("headless fetcher init failed: %w", err)
	}
	a.headless = fetcher
	a.logger.Info("using headless fetcher", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
	return fetcher, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Manager returns the job manager.
func (a *App) Manager() *manager.Manager { return a.manager }

// Records returns the configured record store.
func (a *App) Records() crawler.RecordStore { return a.records }

// Handler returns the HTTP control surface.
func (a *App) Handler() http.Handler { return a.api.Handler() }

// Run serves the HTTP control surface until ctx is canceled or the process
// receives SIGINT or SIGTERM.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              a.cfg.Server.Addr(),
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
		WriteTimeout:      a.cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
		close(serveErr)
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := <-serveErr; err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Close stops running jobs, then releases stores, clients and telemetry.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.manager != nil {
		if err := a.manager.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closeInfrastructure()
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure() {
	if a.headless != nil {
		a.headless.Close()
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			a.logger.Warn("store close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
