// Package memory contains an in-memory publisher for tests and local runs.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/article-frontier/internal/crawler"
)

// Publisher stores published events for inspection.
type Publisher struct {
	mu     sync.RWMutex
	events []crawler.PageFetched
	err    error
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the event, or returns the injected failure.
func (p *Publisher) Publish(_ context.Context, event crawler.PageFetched) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

// FailWith makes subsequent publishes return err. A nil err restores normal behavior.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Events returns a copy of the recorded events.
func (p *Publisher) Events() []crawler.PageFetched {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]crawler.PageFetched, len(p.events))
	copy(out, p.events)
	return out
}

var _ crawler.Publisher = (*Publisher)(nil)
