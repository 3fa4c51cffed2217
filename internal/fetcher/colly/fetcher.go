// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/article-frontier/internal/clock"
	"github.com/JakeFAU/article-frontier/internal/crawler"
	"github.com/JakeFAU/article-frontier/internal/fetcher/links"
)

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int
	// PathPrefix is the blob path prefix page bodies are stored under.
	PathPrefix string
}

// Fetcher implements crawler.Fetcher using the Colly collector. It stores successful
// bodies in a BlobStore and returns the page's outgoing links.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	blobs         crawler.BlobStore
	clock         crawler.Clock
	logger        *zap.Logger
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. A nil transport uses a pooled default.
func New(cfg Config, blobs crawler.BlobStore, transport http.RoundTripper, clk crawler.Clock, logger *zap.Logger) *Fetcher {
	if cfg.PathPrefix == "" {
		cfg.PathPrefix = "pages"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if transport == nil {
		transport = newHTTPTransport()
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// robots.txt is enforced by the politeness gate before a fetch is attempted.
	c := colly.NewCollector(colly.Async(false), colly.IgnoreRobotsTxt(), colly.AllowURLRevisit())
	c.ParseHTTPErrorResponse = true
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	if cfg.MaxBodyBytes > 0 {
		c.MaxBodySize = cfg.MaxBodyBytes
	}
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		blobs:         blobs,
		clock:         clk,
		logger:        logger,
	}
}

// Fetch GETs rawURL. A 200 response is stored and its links extracted; any other status
// yields a *crawler.HTTPStatusError and nothing is stored.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (crawler.FetchResult, error) {
	var (
		result   crawler.FetchResult
		fetchErr error
	)
	start := f.clock.Now()
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	f.configureCollectorHooks(collector, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, rawURL, &fetchErr); err != nil {
		return crawler.FetchResult{URL: rawURL}, err
	}
	result.URL = rawURL
	if result.StatusCode != http.StatusOK {
		return result, &crawler.HTTPStatusError{URL: rawURL, StatusCode: result.StatusCode}
	}

	discovered, err := links.Extract(result.FinalURL, result.ContentType, result.Body)
	if err != nil {
		f.logger.Debug("link extraction failed", zap.String("url", rawURL), zap.Error(err))
	}
	result.Links = discovered

	contentType := result.ContentType
	if contentType == "" {
		contentType = "text/html"
	}
	path := crawler.BlobPath(f.cfg.PathPrefix, rawURL, start)
	ref, err := f.blobs.PutObject(ctx, path, contentType, bytes.NewReader(result.Body))
	if err != nil {
		return result, fmt.Errorf("store page body: %w", err)
	}
	result.StoragePath = ref
	result.Duration = f.clock.Now().Sub(start)
	return result, nil
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, result *crawler.FetchResult, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		result.FinalURL = r.Request.URL.String()
		result.StatusCode = r.StatusCode
		if r.Headers != nil {
			result.Headers = r.Headers.Clone()
			result.ContentType = r.Headers.Get("Content-Type")
		}
		result.Body = append([]byte(nil), r.Body...)
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("colly fetch canceled: %w", ctxErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

var _ crawler.Fetcher = (*Fetcher)(nil)
