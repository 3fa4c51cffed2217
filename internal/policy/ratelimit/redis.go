package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/article-frontier/internal/crawler"
)

// RedisConfig configures the shared limiter.
type RedisConfig struct {
	CrawlDelay time.Duration
	KeyPrefix  string
	// Owner is stored as the key value, which helps when inspecting keys by hand.
	Owner string
}

// RedisLimiter shares crawl-delay windows between worker processes. A reservation is a
// SET NX with a TTL of one crawl delay; the key existing means the window is taken.
type RedisLimiter struct {
	client redis.Cmdable
	delay  time.Duration
	prefix string
	owner  string
}

// NewRedis creates a RedisLimiter over client.
func NewRedis(client redis.Cmdable, cfg RedisConfig) (*RedisLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "frontier:politeness:"
	}
	owner := cfg.Owner
	if owner == "" {
		owner = "worker"
	}
	return &RedisLimiter{client: client, delay: cfg.CrawlDelay, prefix: prefix, owner: owner}, nil
}

// Reserve claims the next crawl-delay window for domain across all workers.
func (l *RedisLimiter) Reserve(ctx context.Context, domain string) (bool, error) {
	if l.delay <= 0 {
		return true, nil
	}
	ok, err := l.client.SetNX(ctx, l.key(domain), l.owner, l.delay).Result()
	if err != nil {
		return false, fmt.Errorf("reserve politeness window: %w", err)
	}
	return ok, nil
}

func (l *RedisLimiter) key(domain string) string {
	return l.prefix + strings.ToLower(domain)
}

var _ crawler.DomainLimiter = (*RedisLimiter)(nil)
