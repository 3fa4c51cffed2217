// Package worker implements the claim, check, fetch and record loop run by each crawler process.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/article-frontier/internal/crawler"
	"github.com/JakeFAU/article-frontier/internal/metrics"
	"github.com/JakeFAU/article-frontier/internal/policy/politeness"
)

// Default timings.
const (
	DefaultDeferPause     = 250 * time.Millisecond
	DefaultReleaseTimeout = 5 * time.Second
)

// Config controls Worker behavior.
type Config struct {
	WorkerID   string
	MaxRetries int
	// DeferPause is slept after the gate turns a claim away, so a lone deferred row does not
	// spin against the store.
	DeferPause time.Duration
	// ReleaseTimeout bounds the store writes made after the run context is canceled.
	ReleaseTimeout time.Duration
}

// Gate decides whether a claimed entry may be fetched now.
type Gate interface {
	Check(ctx context.Context, entry crawler.FrontierEntry) (politeness.Decision, error)
}

// Registrar inserts links discovered on a fetched page.
type Registrar interface {
	Register(ctx context.Context, discovered []string, parent crawler.FrontierEntry) (int, error)
}

// Stats counts what one worker loop did.
type Stats struct {
	Claimed         int64
	Succeeded       int64
	Failed          int64
	RobotsDenied    int64
	Deferred        int64
	Released        int64
	LinksRegistered int64
	LockLost        int64
}

// Worker runs the crawl loop for one worker identity.
type Worker struct {
	store     crawler.ClaimCoordinator
	gate      Gate
	fetcher   crawler.Fetcher
	registrar Registrar
	publisher crawler.Publisher
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger
	stats     Stats
}

// New constructs a Worker. publisher may be nil.
func New(
	store crawler.ClaimCoordinator,
	gate Gate,
	fetcher crawler.Fetcher,
	registrar Registrar,
	publisher crawler.Publisher,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DeferPause < 0 {
		cfg.DeferPause = 0
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = DefaultReleaseTimeout
	}
	return &Worker{
		store:     store,
		gate:      gate,
		fetcher:   fetcher,
		registrar: registrar,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.Named("worker").With(zap.String("worker_id", cfg.WorkerID)),
	}
}

// Stats returns the counters accumulated so far. Call it after Run returns.
func (w *Worker) Stats() Stats {
	return w.stats
}

// Run claims and processes entries until the frontier is exhausted (nil), the context is
// canceled (nil) or a claim fails (error).
func (w *Worker) Run(ctx context.Context) error {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	defer w.logStats()

	for {
		if ctx.Err() != nil {
			w.logger.Info("worker stopping", zap.Error(ctx.Err()))
			return nil
		}
		entry, err := w.store.ClaimAndLock(ctx, w.cfg.WorkerID, w.cfg.MaxRetries)
		if errors.Is(err, crawler.ErrFrontierExhausted) {
			metrics.ObserveClaim(metrics.ClaimExhausted)
			w.logger.Info("frontier exhausted")
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			metrics.ObserveClaim(metrics.ClaimError)
			return fmt.Errorf("claim entry: %w", err)
		}
		metrics.ObserveClaim(metrics.ClaimClaimed)
		w.stats.Claimed++
		w.logger.Debug("claimed entry",
			zap.String("id", entry.ID),
			zap.String("url", entry.URL),
			zap.Int("priority", entry.Priority),
			zap.Int("num_retries", entry.NumRetries),
		)
		w.process(ctx, entry)
	}
}

func (w *Worker) process(ctx context.Context, entry crawler.FrontierEntry) {
	decision, err := w.gate.Check(ctx, entry)
	if err != nil {
		w.logger.Warn("politeness check failed", zap.String("url", entry.URL), zap.Error(err))
		decision = politeness.Deferred
	}

	switch decision {
	case politeness.RobotsDenied:
		w.stats.RobotsDenied++
		metrics.ObserveDeferral(metrics.DeferRobots)
		w.logger.Info("robots.txt disallows url", zap.String("url", entry.URL))
		w.release(ctx, entry)
		w.pause(ctx)
		return
	case politeness.Deferred:
		w.stats.Deferred++
		metrics.ObserveDeferral(metrics.DeferRateLimit)
		w.logger.Debug("domain not ready", zap.String("domain", entry.Domain))
		w.release(ctx, entry)
		w.pause(ctx)
		return
	}

	result, err := w.fetcher.Fetch(ctx, entry.URL)
	if err != nil {
		if ctx.Err() != nil {
			w.logger.Info("fetch interrupted, releasing claim", zap.String("url", entry.URL))
			w.release(ctx, entry)
			return
		}
		w.fail(ctx, entry, err)
		return
	}
	w.succeed(ctx, entry, result)
}

func (w *Worker) succeed(ctx context.Context, entry crawler.FrontierEntry, result crawler.FetchResult) {
	writeCtx, cancel := w.writeContext(ctx)
	defer cancel()

	if err := w.store.MarkDone(writeCtx, entry.ID, w.cfg.WorkerID, result.StoragePath, result.Duration); err != nil {
		w.logWriteError("mark done failed", entry, err)
		return
	}
	w.stats.Succeeded++
	metrics.ObserveCrawl(entry.URL, strconv.Itoa(result.StatusCode), len(result.Body))
	metrics.ObserveFetchDuration(result.Duration)
	w.logger.Info("page fetched",
		zap.String("url", entry.URL),
		zap.String("storage_path", result.StoragePath),
		zap.Duration("duration", result.Duration),
		zap.Int("links", len(result.Links)),
	)

	if w.registrar != nil && len(result.Links) > 0 {
		n, err := w.registrar.Register(writeCtx, result.Links, entry)
		if err != nil {
			w.logger.Error("register links failed", zap.String("url", entry.URL), zap.Error(err))
		}
		w.stats.LinksRegistered += int64(n)
		metrics.AddLinksRegistered(n)
	}

	w.publish(writeCtx, entry, result)
}

func (w *Worker) publish(ctx context.Context, entry crawler.FrontierEntry, result crawler.FetchResult) {
	if w.publisher == nil {
		return
	}
	event := crawler.PageFetched{
		ID:          entry.ID,
		URL:         entry.URL,
		Domain:      entry.Domain,
		StoragePath: result.StoragePath,
		FetchedAt:   w.clock.Now(),
		DurationMs:  result.Duration.Milliseconds(),
		WorkerID:    w.cfg.WorkerID,
	}
	if err := w.publisher.Publish(ctx, event); err != nil {
		w.logger.Warn("publish fetch event failed", zap.String("url", entry.URL), zap.Error(err))
	}
}

func (w *Worker) fail(ctx context.Context, entry crawler.FrontierEntry, fetchErr error) {
	w.stats.Failed++
	status := "error"
	if code := crawler.StatusCodeOf(fetchErr); code != 0 {
		status = strconv.Itoa(code)
	}
	metrics.ObserveCrawl(entry.URL, status, 0)
	w.logger.Warn("fetch failed",
		zap.String("url", entry.URL),
		zap.Int("attempt", entry.NumRetries+1),
		zap.Error(fetchErr),
	)

	writeCtx, cancel := w.writeContext(ctx)
	defer cancel()
	if err := w.store.PropagateError(writeCtx, entry.ID, w.cfg.WorkerID, fetchErr.Error()); err != nil {
		w.logWriteError("record error failed", entry, err)
	}
}

func (w *Worker) release(ctx context.Context, entry crawler.FrontierEntry) {
	writeCtx, cancel := w.writeContext(ctx)
	defer cancel()
	if err := w.store.ReleaseLock(writeCtx, entry.ID, w.cfg.WorkerID); err != nil {
		w.logWriteError("release lock failed", entry, err)
		return
	}
	w.stats.Released++
}

// logWriteError reports a failed row update. A lost lock means another worker took the row
// over, so this attempt's result is dropped.
func (w *Worker) logWriteError(msg string, entry crawler.FrontierEntry, err error) {
	if errors.Is(err, crawler.ErrLockLost) {
		w.stats.LockLost++
		w.logger.Warn("claim taken over, dropping result", zap.String("id", entry.ID), zap.String("url", entry.URL))
		return
	}
	w.logger.Error(msg, zap.String("id", entry.ID), zap.String("url", entry.URL), zap.Error(err))
}

// writeContext detaches store writes from run cancellation so a claim is never abandoned
// half-recorded.
func (w *Worker) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), w.cfg.ReleaseTimeout)
}

func (w *Worker) pause(ctx context.Context) {
	if w.cfg.DeferPause == 0 {
		return
	}
	timer := time.NewTimer(w.cfg.DeferPause)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (w *Worker) logStats() {
	w.logger.Info("worker finished",
		zap.Int64("claimed", w.stats.Claimed),
		zap.Int64("succeeded", w.stats.Succeeded),
		zap.Int64("failed", w.stats.Failed),
		zap.Int64("robots_denied", w.stats.RobotsDenied),
		zap.Int64("deferred", w.stats.Deferred),
		zap.Int64("links_registered", w.stats.LinksRegistered),
		zap.Int64("lock_lost", w.stats.LockLost),
	)
}

// Add returns the field-wise sum of s and o.
func (s Stats) Add(o Stats) Stats {
	return Stats{
		Claimed:         s.Claimed + o.Claimed,
		Succeeded:       s.Succeeded + o.Succeeded,
		Failed:          s.Failed + o.Failed,
		RobotsDenied:    s.RobotsDenied + o.RobotsDenied,
		Deferred:        s.Deferred + o.Deferred,
		Released:        s.Released + o.Released,
		LinksRegistered: s.LinksRegistered + o.LinksRegistered,
		LockLost:        s.LockLost + o.LockLost,
	}
}
