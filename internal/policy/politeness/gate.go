// Package politeness combines robots.txt and crawl-delay checks into a per-worker gate.
package politeness

import (
	"context"
	"fmt"

	"github.com/JakeFAU/article-frontier/internal/crawler"
)

// Decision is the outcome of a politeness check.
type Decision string

// Gate decisions.
const (
	Allowed      Decision = "allowed"
	RobotsDenied Decision = "robots_denied"
	Deferred     Decision = "deferred"
)

// Gate holds the politeness state of one worker process. It is safe for concurrent use
// when its limiter and robots policy are.
type Gate struct {
	limiter crawler.DomainLimiter
	robots  crawler.RobotsPolicy
}

// New builds a Gate.
func New(limiter crawler.DomainLimiter, robots crawler.RobotsPolicy) *Gate {
	return &Gate{limiter: limiter, robots: robots}
}

// ReadyToCrawl reports whether domain's crawl delay has elapsed and, if so, books the next window.
func (g *Gate) ReadyToCrawl(ctx context.Context, domain string) (bool, error) {
	ok, err := g.limiter.Reserve(ctx, domain)
	if err != nil {
		return false, fmt.Errorf("ready to crawl %s: %w", domain, err)
	}
	return ok, nil
}

// RobotsAllowed reports whether robots.txt for domain permits rawURL.
func (g *Gate) RobotsAllowed(ctx context.Context, rawURL string, domain string) bool {
	if g.robots == nil {
		return true
	}
	return g.robots.Allowed(ctx, rawURL, domain)
}

// Check runs the robots check and then the crawl-delay reservation, so a robots denial
// never consumes a delay window.
func (g *Gate) Check(ctx context.Context, entry crawler.FrontierEntry) (Decision, error) {
	if !g.RobotsAllowed(ctx, entry.URL, entry.Domain) {
		return RobotsDenied, nil
	}
	ready, err := g.ReadyToCrawl(ctx, entry.Domain)
	if err != nil {
		return "", err
	}
	if !ready {
		return Deferred, nil
	}
	return Allowed, nil
}
