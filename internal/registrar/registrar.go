// Package registrar inserts links discovered on a fetched page into the frontier.
package registrar

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/article-frontier/internal/crawler"
)

// Store is the subset of crawler.FrontierStore the registrar needs.
type Store interface {
	ListBlockedDomains(ctx context.Context) ([]crawler.BlockedDomain, error)
	FilterExisting(ctx context.Context, urls []string) ([]string, error)
	InsertDiscovered(ctx context.Context, entries []crawler.NewEntry) (int, error)
}

// Registrar filters discovered links and inserts the new ones.
type Registrar struct {
	store  Store
	logger *zap.Logger

	mu        sync.RWMutex
	blocklist *crawler.Blocklist
}

// New constructs a Registrar with an empty blocklist. Call Refresh to load it.
func New(store Store, logger *zap.Logger) *Registrar {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registrar{store: store, logger: logger, blocklist: crawler.NewBlocklist(nil)}
}

// Refresh reloads the blocklist from the store.
func (r *Registrar) Refresh(ctx context.Context) error {
	rows, err := r.store.ListBlockedDomains(ctx)
	if err != nil {
		return fmt.Errorf("load blocked domains: %w", err)
	}
	bl := crawler.NewBlocklist(rows)
	r.mu.Lock()
	r.blocklist = bl
	r.mu.Unlock()
	r.logger.Debug("blocklist loaded", zap.Int("patterns", bl.Len()))
	return nil
}

// Blocklist returns the blocklist currently in use.
func (r *Registrar) Blocklist() *crawler.Blocklist {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.blocklist
}

// Register inserts the discovered URLs that are not blocked and not yet known, mined from
// parent at one priority level below it. It returns the number inserted.
func (r *Registrar) Register(ctx context.Context, discovered []string, parent crawler.FrontierEntry) (int, error) {
	bl := r.Blocklist()
	candidates := make([]string, 0, len(discovered))
	for _, u := range crawler.NormalizeAll(discovered) {
		if bl.IsURLBlocked(u) {
			continue
		}
		candidates = append(candidates, u)
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	fresh, err := r.store.FilterExisting(ctx, candidates)
	if err != nil {
		return 0, fmt.Errorf("filter existing: %w", err)
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	entries := make([]crawler.NewEntry, 0, len(fresh))
	for _, u := range fresh {
		entries = append(entries, crawler.NewEntry{
			URL:          u,
			Priority:     parent.Priority + 1,
			MinedFromURL: parent.URL,
		})
	}
	inserted, err := r.store.InsertDiscovered(ctx, entries)
	if err != nil {
		return inserted, fmt.Errorf("insert discovered: %w", err)
	}
	r.logger.Debug("links registered",
		zap.String("parent", parent.URL),
		zap.Int("discovered", len(discovered)),
		zap.Int("inserted", inserted),
	)
	return inserted, nil
}
