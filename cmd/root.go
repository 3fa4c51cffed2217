// Package cmd defines the articlecrawler command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/article-frontier/internal/app"
	"github.com/JakeFAU/article-frontier/internal/config"
	"github.com/JakeFAU/article-frontier/internal/crawler"
	"github.com/JakeFAU/article-frontier/internal/parser"
	"github.com/JakeFAU/article-frontier/internal/worker"
)

// App is the set of operations the command dispatches to. It lets tests swap in a fake.
type App interface {
	InitDB(ctx context.Context, seeds []string, reset bool) (int, error)
	LoadBlocked(ctx context.Context, rows []crawler.BlockedDomain) (int, error)
	Stats(ctx context.Context) (crawler.Stats, error)
	Parse(ctx context.Context, limit int) (parser.Result, error)
	Crawl(ctx context.Context, workerID string) (worker.Stats, error)
	Close()
}

type appFactory func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error)

func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

var errMissingWorkerID = errors.New("--worker-id is required to crawl")

// Flags whose values override the matching config keys when set.
var flagBinds = map[string]string{
	"crawler.worker_id":           "worker-id",
	"crawler.crawl_delay_seconds": "crawl-delay-seconds",
	"frontier.max_retries":        "max-retries",
	"storage.backend":             "storage",
}

type options struct {
	cfgFile     string
	initDB      string
	resetDB     bool
	loadBlocked string
	stats       bool
	parse       int
}

func newRootCmd(factory appFactory) *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "articlecrawler",
		Short: "Polite, multi-worker crawler over a shared URL frontier.",
		Long: `articlecrawler pulls URLs from a frontier shared by any number of worker
processes, fetches them politely, stores the page bodies and feeds discovered links
back into the frontier.

Admin flags (--init-db, --load-blocked, --stats, --parse) run their task and exit.
Without them the process crawls as --worker-id until the frontier is exhausted.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts, factory)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.cfgFile, "config", "", "config file (yaml, toml or json)")
	flags.StringVar(&opts.initDB, "init-db", "", "create the frontier and seed it from `FILE` (one URL per line)")
	flags.BoolVar(&opts.resetDB, "reset-db", false, "drop existing frontier rows before --init-db")
	flags.StringVar(&opts.loadBlocked, "load-blocked", "", "upsert blocked domains from a domain,reason `CSV`")
	flags.String("worker-id", "", "identity this process claims rows under (required to crawl)")
	flags.Float64("crawl-delay-seconds", 1, "minimum seconds between fetches to one domain")
	flags.Int("max-retries", 5, "failed attempts after which a row is no longer claimed")
	flags.String("storage", "local", "page body storage backend: local, gcs or memory")
	flags.BoolVar(&opts.stats, "stats", false, "print frontier statistics and exit")
	flags.IntVar(&opts.parse, "parse", 0, "extract articles from the `LIMIT` most recently fetched pages")
	flags.Lookup("parse").NoOptDefVal = fmt.Sprint(parser.DefaultLimit)

	return cmd
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(newApp).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
