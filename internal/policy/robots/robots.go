// Package robots enforces robots.txt with a per-domain cache.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const maxRobotsBytes = 1 << 20

// Config controls robots.txt enforcement.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Policy fetches robots.txt once per domain and memoizes the result for the process
// lifetime. A domain whose robots.txt cannot be fetched or parsed is denied.
type Policy struct {
	client    *http.Client
	userAgent string
	logger    *zap.Logger
	cache     sync.Map
	inflight  singleflight.Group
}

// entry is a cached decision source; nil data means the domain failed closed.
type entry struct {
	data *robotstxt.RobotsData
}

// New builds a Policy. A nil client gets a default one with cfg.Timeout.
func New(cfg Config, client *http.Client, logger *zap.Logger) *Policy {
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Policy{
		client:    client,
		userAgent: cfg.UserAgent,
		logger:    logger,
	}
}

// Allowed reports whether the cached robots.txt for domain permits rawURL.
func (p *Policy) Allowed(ctx context.Context, rawURL string, domain string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return false
	}
	if domain == "" {
		domain = parsed.Hostname()
	}
	cached := p.load(ctx, parsed, strings.ToLower(domain))
	if cached.data == nil {
		return false
	}
	return cached.data.TestAgent(parsed.RequestURI(), p.userAgent)
}

// Cached reports whether domain already has a memoized robots decision source.
func (p *Policy) Cached(domain string) bool {
	_, ok := p.cache.Load(strings.ToLower(domain))
	return ok
}

func (p *Policy) load(ctx context.Context, parsed *url.URL, domain string) entry {
	if v, ok := p.cache.Load(domain); ok {
		return v.(entry)
	}
	v, _, _ := p.inflight.Do(domain, func() (any, error) {
		if v, ok := p.cache.Load(domain); ok {
			return v, nil
		}
		data, err := p.fetch(ctx, parsed)
		if err != nil {
			p.logger.Warn("robots unavailable; denying domain", zap.String("domain", domain), zap.Error(err))
		}
		e := entry{data: data}
		p.cache.Store(domain, e)
		return e, nil
	})
	return v.(entry)
}

func (p *Policy) fetch(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	robotsURL := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/robots.txt"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			p.logger.Debug("failed to close robots response body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}
