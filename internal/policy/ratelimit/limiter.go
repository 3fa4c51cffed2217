// Package ratelimit reserves per-domain crawl-delay windows.
package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/article-frontier/internal/clock"
	"github.com/JakeFAU/article-frontier/internal/crawler"
)

// Config holds rate limiter configuration.
type Config struct {
	// CrawlDelay is the minimum spacing between two fetches to the same domain.
	CrawlDelay time.Duration
}

// Limiter is a process-local DomainLimiter. Each domain gets a token bucket with
// burst 1 refilled once per crawl delay, so a successful Reserve books the next window.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	clock    crawler.Clock
}

// New creates a new Limiter. A nil clock uses the system clock.
func New(cfg Config, clk crawler.Clock) *Limiter {
	limit := rate.Inf
	if cfg.CrawlDelay > 0 {
		limit = rate.Every(cfg.CrawlDelay)
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		clock:    clk,
	}
}

// Reserve returns true when domain is unseen or its crawl delay has elapsed, and books
// the next window as a side effect.
func (l *Limiter) Reserve(_ context.Context, domain string) (bool, error) {
	key := strings.ToLower(domain)
	l.mu.Lock()
	limiter, exists := l.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(l.limit, 1)
		l.limiters[key] = limiter
	}
	l.mu.Unlock()
	return limiter.AllowN(l.clock.Now(), 1), nil
}

// Domains returns the number of domains seen so far.
func (l *Limiter) Domains() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

var _ crawler.DomainLimiter = (*Limiter)(nil)
