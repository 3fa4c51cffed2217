// Package app builds the frontier services selected by configuration and runs the
// crawl and admin tasks over them.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gcstorage "cloud.google.com/go/storage"
	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/article-frontier/internal/api"
	"github.com/JakeFAU/article-frontier/internal/clock"
	"github.com/JakeFAU/article-frontier/internal/config"
	"github.com/JakeFAU/article-frontier/internal/crawler"
	collyfetcher "github.com/JakeFAU/article-frontier/internal/fetcher/colly"
	"github.com/JakeFAU/article-frontier/internal/parser"
	"github.com/JakeFAU/article-frontier/internal/policy/politeness"
	"github.com/JakeFAU/article-frontier/internal/policy/ratelimit"
	"github.com/JakeFAU/article-frontier/internal/policy/robots"
	kafkapublisher "github.com/JakeFAU/article-frontier/internal/publisher/kafka"
	memorypublisher "github.com/JakeFAU/article-frontier/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/article-frontier/internal/publisher/pubsub"
	"github.com/JakeFAU/article-frontier/internal/registrar"
	"github.com/JakeFAU/article-frontier/internal/storage/gcs"
	"github.com/JakeFAU/article-frontier/internal/storage/local"
	"github.com/JakeFAU/article-frontier/internal/storage/memory"
	"github.com/JakeFAU/article-frontier/internal/storage/mongodb"
	"github.com/JakeFAU/article-frontier/internal/storage/postgres"
	"github.com/JakeFAU/article-frontier/internal/worker"
)

const shutdownTimeout = 5 * time.Second

// App holds the long-lived services for one process.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	clock     crawler.Clock
	store     crawler.FrontierStore
	blobs     crawler.BlobStore
	limiter   crawler.DomainLimiter
	publisher crawler.Publisher
	closers   []func() error
}

// New connects every backend selected by cfg. On error, anything already opened is closed.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, clock: clock.NewSystem()}
	steps := []func(context.Context) error{a.openStore, a.openBlobs, a.openLimiter, a.openPublisher}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}
	logger.Info("services initialized",
		zap.String("frontier", cfg.Frontier.Backend),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("politeness", cfg.Politeness.Backend),
		zap.String("publisher", cfg.Publisher.Backend),
	)
	return a, nil
}

// Store returns the frontier store.
func (a *App) Store() crawler.FrontierStore {
	return a.store
}

// Blobs returns the blob store.
func (a *App) Blobs() crawler.BlobStore {
	return a.blobs
}

// Publisher returns the configured publisher, or nil when notifications are off.
func (a *App) Publisher() crawler.Publisher {
	return a.publisher
}

// Close releases every backend in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
}

func (a *App) openStore(ctx context.Context) error {
	cfg := a.cfg
	switch cfg.Frontier.Backend {
	case "postgres":
		store, err := postgres.NewFrontierStore(ctx, postgres.Config{
			DSN:             cfg.DB.DSN,
			Table:           cfg.Frontier.Table,
			BlockedTable:    cfg.Frontier.BlockedTable,
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			MaxConnLifetime: cfg.DB.MaxConnLifetime,
			StaleLockTime:   cfg.Frontier.StaleLockTimeout,
		})
		if err != nil {
			return fmt.Errorf("init postgres frontier: %w", err)
		}
		a.store = store
	case "mongo":
		store, err := mongodb.NewFrontierStore(ctx, mongodb.Config{
			URI:               cfg.Mongo.URI,
			Database:          cfg.Mongo.Database,
			Collection:        cfg.Mongo.Collection,
			BlockedCollection: cfg.Mongo.BlockedCollection,
			ConnectTimeout:    cfg.Mongo.ConnectTimeout,
			StaleLockTime:     cfg.Frontier.StaleLockTimeout,
		})
		if err != nil {
			return fmt.Errorf("init mongo frontier: %w", err)
		}
		a.store = store
	case "memory":
		a.store = memory.NewFrontierStore(memory.WithStaleLockTimeout(cfg.Frontier.StaleLockTimeout))
	default:
		return fmt.Errorf("unknown frontier backend %q", cfg.Frontier.Backend)
	}
	store := a.store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

func (a *App) openBlobs(ctx context.Context) error {
	cfg := a.cfg.Storage
	switch cfg.Backend {
	case "local":
		blobs, err := local.New(local.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return fmt.Errorf("init local storage: %w", err)
		}
		a.blobs = blobs
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("init gcs client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		blobs, err := gcs.New(client, gcs.Config{Bucket: cfg.GCSBucket})
		if err != nil {
			return fmt.Errorf("init gcs storage: %w", err)
		}
		a.blobs = blobs
	case "memory":
		a.blobs = memory.NewBlobStore()
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	return nil
}

func (a *App) openLimiter(ctx context.Context) error {
	switch a.cfg.Politeness.Backend {
	case "local":
		a.limiter = ratelimit.New(ratelimit.Config{CrawlDelay: a.cfg.CrawlDelay()}, a.clock)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		limiter, err := ratelimit.NewRedis(client, ratelimit.RedisConfig{
			CrawlDelay: a.cfg.CrawlDelay(),
			KeyPrefix:  a.cfg.Redis.KeyPrefix,
			Owner:      a.cfg.Crawler.WorkerID,
		})
		if err != nil {
			return fmt.Errorf("init redis limiter: %w", err)
		}
		a.limiter = limiter
	default:
		return fmt.Errorf("unknown politeness backend %q", a.cfg.Politeness.Backend)
	}
	return nil
}

func (a *App) openPublisher(ctx context.Context) error {
	switch a.cfg.Publisher.Backend {
	case "", "none":
		a.publisher = nil
	case "memory":
		a.publisher = memorypublisher.New()
	case "pubsub":
		client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("init pubsub client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		pub := pubsubpublisher.New(client.Topic(a.cfg.PubSub.TopicName))
		a.closers = append(a.closers, func() error {
			pub.Stop()
			return nil
		})
		a.publisher = pub
	case "kafka":
		pub := kafkapublisher.New(a.cfg.Kafka.Brokers, a.cfg.Kafka.Topic)
		a.closers = append(a.closers, pub.Close)
		a.publisher = pub
	default:
		return fmt.Errorf("unknown publisher backend %q", a.cfg.Publisher.Backend)
	}
	return nil
}

// InitDB creates the frontier (optionally wiping it first) and inserts seeds.
func (a *App) InitDB(ctx context.Context, seeds []string, reset bool) (int, error) {
	inserted, err := a.store.InitTables(ctx, seeds, reset)
	if err != nil {
		return inserted, fmt.Errorf("init tables: %w", err)
	}
	a.logger.Info("frontier initialized",
		zap.Int("seeds", len(seeds)),
		zap.Int("inserted", inserted),
		zap.Bool("reset", reset),
	)
	return inserted, nil
}

// LoadBlocked upserts blocklist rows and returns how many distinct domains were written.
func (a *App) LoadBlocked(ctx context.Context, rows []crawler.BlockedDomain) (int, error) {
	rows = crawler.NormalizeBlockedRows(rows)
	if err := a.store.LoadBlockedDomains(ctx, rows); err != nil {
		return 0, fmt.Errorf("load blocked domains: %w", err)
	}
	a.logger.Info("blocked domains loaded", zap.Int("rows", len(rows)))
	return len(rows), nil
}

// Stats summarizes the frontier under the configured retry bound.
func (a *App) Stats(ctx context.Context) (crawler.Stats, error) {
	stats, err := a.store.GetStats(ctx, a.cfg.Frontier.MaxRetries)
	if err != nil {
		return crawler.Stats{}, fmt.Errorf("get stats: %w", err)
	}
	return stats, nil
}

// Parse extracts articles from the limit most recently fetched pages.
func (a *App) Parse(ctx context.Context, limit int) (parser.Result, error) {
	return parser.New(a.store, a.blobs, a.clock, a.logger).Run(ctx, limit)
}

// Crawl runs crawler.concurrency worker loops until the frontier is exhausted or ctx is
// canceled, serving the ops API meanwhile when server.addr is set.
func (a *App) Crawl(ctx context.Context, workerID string) (worker.Stats, error) {
	if workerID == "" {
		return worker.Stats{}, errors.New("worker id is required to crawl")
	}
	reg := registrar.New(a.store, a.logger)
	if err := reg.Refresh(ctx); err != nil {
		return worker.Stats{}, err
	}

	robotsPolicy := robots.New(robots.Config{
		UserAgent: a.cfg.Crawler.UserAgent,
		Timeout:   a.cfg.HTTPTimeout(),
	}, &http.Client{Timeout: a.cfg.HTTPTimeout()}, a.logger)
	gate := politeness.New(a.limiter, robotsPolicy)
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:    a.cfg.Crawler.UserAgent,
		Timeout:      a.cfg.HTTPTimeout(),
		MaxBodyBytes: a.cfg.Crawler.MaxBodyBytes,
		PathPrefix:   a.cfg.Storage.Prefix,
	}, a.blobs, nil, a.clock, a.logger)

	stopServer := a.startServer()
	defer stopServer()

	n := a.cfg.Crawler.Concurrency
	if n <= 0 {
		n = 1
	}
	workers := make([]*worker.Worker, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := range workers {
		id := workerID
		if n > 1 {
			id = fmt.Sprintf("%s-%d", workerID, i+1)
		}
		w := worker.New(a.store, gate, fetcher, reg, a.publisher, a.clock, worker.Config{
			WorkerID:   id,
			MaxRetries: a.cfg.Frontier.MaxRetries,
			DeferPause: a.cfg.Crawler.DeferPause,
		}, a.logger)
		workers[i] = w
		g.Go(func() error {
			return w.Run(gctx)
		})
	}
	err := g.Wait()

	var total worker.Stats
	for _, w := range workers {
		total = total.Add(w.Stats())
	}
	if err != nil {
		return total, fmt.Errorf("crawl: %w", err)
	}
	return total, nil
}

func (a *App) startServer() func() {
	if a.cfg.Server.Addr == "" {
		return func() {}
	}
	srv := &http.Server{
		Addr: a.cfg.Server.Addr,
		Handler: api.NewServer(a.store, api.Config{
			APIKey:     a.cfg.Server.APIKey,
			MaxRetries: a.cfg.Frontier.MaxRetries,
		}, a.logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		a.logger.Info("ops server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("ops server failed", zap.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			a.logger.Warn("ops server shutdown failed", zap.Error(err))
		}
	}
}
