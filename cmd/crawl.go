package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/article-frontier/internal/config"
	"github.com/JakeFAU/article-frontier/internal/crawler"
	"github.com/JakeFAU/article-frontier/internal/logging"
)

func run(cmd *cobra.Command, opts options, factory appFactory) error {
	ctx := cmd.Context()
	flags := cmd.Flags()

	parseRequested := flags.Changed("parse")
	admin := opts.initDB != "" || opts.loadBlocked != "" || opts.stats || parseRequested
	if opts.resetDB && opts.initDB == "" {
		return errors.New("--reset-db requires --init-db")
	}
	if parseRequested && opts.parse <= 0 {
		return fmt.Errorf("--parse limit must be > 0, got %d", opts.parse)
	}

	cfg, err := config.Load(opts.cfgFile, config.WithFlags(flags, flagBinds))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !admin && cfg.Crawler.WorkerID == "" {
		return errMissingWorkerID
	}

	in, err := readInputs(opts)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	a, err := factory(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer a.Close()

	if admin {
		return runAdmin(ctx, cmd, a, opts, in, cfg)
	}
	return runCrawl(ctx, a, cfg, logger)
}

// inputs holds the admin input files, read in full before anything touches the store.
type inputs struct {
	seeds   []string
	blocked []crawler.BlockedDomain
}

func readInputs(opts options) (inputs, error) {
	var in inputs
	var err error
	if opts.initDB != "" {
		if in.seeds, err = crawler.ReadSeedFile(opts.initDB); err != nil {
			return inputs{}, err
		}
	}
	if opts.loadBlocked != "" {
		if in.blocked, err = crawler.ReadBlockedCSV(opts.loadBlocked); err != nil {
			return inputs{}, err
		}
	}
	return in, nil
}

// runAdmin performs the requested admin tasks in a fixed order: seed, blocklist, stats, parse.
func runAdmin(ctx context.Context, cmd *cobra.Command, a App, opts options, in inputs, cfg config.Config) error {
	out := cmd.OutOrStdout()
	if opts.initDB != "" {
		n, err := a.InitDB(ctx, in.seeds, opts.resetDB)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "seeded %d new urls from %s\n", n, opts.initDB)
	}
	if opts.loadBlocked != "" {
		n, err := a.LoadBlocked(ctx, in.blocked)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "loaded %d blocked domains from %s\n", n, opts.loadBlocked)
	}
	if opts.stats {
		stats, err := a.Stats(ctx)
		if err != nil {
			return err
		}
		if err := writeStats(out, stats, cfg.Frontier.MaxRetries); err != nil {
			return err
		}
	}
	if cmd.Flags().Changed("parse") {
		result, err := a.Parse(ctx, opts.parse)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "parsed %d pages (%d skipped, %d failed)\n", result.Parsed, result.Skipped, result.Failed)
	}
	return nil
}

func runCrawl(ctx context.Context, a App, cfg config.Config, logger *zap.Logger) error {
	logger.Info("crawl starting",
		zap.String("worker_id", cfg.Crawler.WorkerID),
		zap.Int("concurrency", cfg.Crawler.Concurrency),
		zap.Float64("crawl_delay_seconds", cfg.Crawler.CrawlDelaySeconds),
		zap.Int("max_retries", cfg.Frontier.MaxRetries),
	)
	stats, err := a.Crawl(ctx, cfg.Crawler.WorkerID)
	logger.Info("crawl finished",
		zap.Int64("claimed", stats.Claimed),
		zap.Int64("succeeded", stats.Succeeded),
		zap.Int64("failed", stats.Failed),
		zap.Int64("robots_denied", stats.RobotsDenied),
		zap.Int64("deferred", stats.Deferred),
		zap.Int64("links_registered", stats.LinksRegistered),
		zap.Bool("interrupted", ctx.Err() != nil),
	)
	return err
}
