package memory

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/article-frontier/internal/clock"
	"github.com/JakeFAU/article-frontier/internal/crawler"
	"github.com/JakeFAU/article-frontier/internal/id/uuid"
)

// FrontierStore keeps the frontier in process memory. It implements the same claim
// protocol as the database backends and is used for development and tests.
type FrontierStore struct {
	mu           sync.Mutex
	entries      map[string]*crawler.FrontierEntry
	byURL        map[string]string
	blocked      map[string]string
	clock        crawler.Clock
	ids          crawler.IDGenerator
	staleTimeout time.Duration
}

// Option customizes a FrontierStore.
type Option func(*FrontierStore)

// WithClock overrides the time source.
func WithClock(c crawler.Clock) Option {
	return func(s *FrontierStore) { s.clock = c }
}

// WithIDGenerator overrides entry ID generation.
func WithIDGenerator(g crawler.IDGenerator) Option {
	return func(s *FrontierStore) { s.ids = g }
}

// WithStaleLockTimeout overrides the stale-lock takeover window.
func WithStaleLockTimeout(d time.Duration) Option {
	return func(s *FrontierStore) { s.staleTimeout = d }
}

// NewFrontierStore constructs an empty FrontierStore.
func NewFrontierStore(opts ...Option) *FrontierStore {
	s := &FrontierStore{
		entries:      make(map[string]*crawler.FrontierEntry),
		byURL:        make(map[string]string),
		blocked:      make(map[string]string),
		clock:        clock.NewSystem(),
		ids:          uuid.New(),
		staleTimeout: crawler.DefaultStaleLockTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InitTables optionally wipes the frontier and inserts seeds at priority 0.
func (s *FrontierStore) InitTables(_ context.Context, seedURLs []string, reset bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reset {
		s.entries = make(map[string]*crawler.FrontierEntry)
		s.byURL = make(map[string]string)
		s.blocked = make(map[string]string)
	}
	return s.insertLocked(crawler.PrepareEntries(crawler.SeedEntries(seedURLs)))
}

// InsertDiscovered inserts entries whose URLs are not yet known.
func (s *FrontierStore) InsertDiscovered(_ context.Context, entries []crawler.NewEntry) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(crawler.PrepareEntries(entries))
}

func (s *FrontierStore) insertLocked(prepared []crawler.PreparedEntry) (int, error) {
	now := s.clock.Now()
	inserted := 0
	for _, p := range prepared {
		if _, exists := s.byURL[p.URL]; exists {
			continue
		}
		id, err := s.ids.NewID()
		if err != nil {
			return inserted, fmt.Errorf("generate id: %w", err)
		}
		s.entries[id] = &crawler.FrontierEntry{
			ID:           id,
			URL:          p.URL,
			Domain:       p.Domain,
			Priority:     p.Priority,
			DateAdded:    now,
			MinedFromURL: p.MinedFromURL,
		}
		s.byURL[p.URL] = id
		inserted++
	}
	return inserted, nil
}

// ClaimAndLock locks one eligible entry with the lowest priority, ties broken randomly.
func (s *FrontierStore) ClaimAndLock(ctx context.Context, workerID string, maxRetries int) (crawler.FrontierEntry, error) {
	if err := ctx.Err(); err != nil {
		return crawler.FrontierEntry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	blocklist := s.blocklistLocked()
	var candidates []*crawler.FrontierEntry
	for _, e := range s.entries {
		if e.Done || e.NumRetries >= maxRetries {
			continue
		}
		if e.LockStateAt(now, s.staleTimeout) == crawler.LockClaimedFresh {
			continue
		}
		if blocklist.IsBlocked(e.Domain) {
			continue
		}
		switch {
		case len(candidates) == 0 || e.Priority < candidates[0].Priority:
			candidates = append(candidates[:0], e)
		case e.Priority == candidates[0].Priority:
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return crawler.FrontierEntry{}, crawler.ErrFrontierExhausted
	}
	chosen := candidates[rand.IntN(len(candidates))] // #nosec G404 -- tie-break only.
	worker := workerID
	lockedAt := now
	chosen.LockedByWorkerID = &worker
	chosen.LockedAt = &lockedAt
	return cloneEntry(chosen), nil
}

// MarkDone records success for id and clears its lock.
func (s *FrontierStore) MarkDone(_ context.Context, id string, workerID string, storagePath string, fetchDuration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.heldLocked(id, workerID)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	path := storagePath
	ms := fetchDuration.Milliseconds()
	e.Done = true
	e.DateFinished = &now
	e.StoragePath = &path
	e.FetchDurationMs = &ms
	e.LockedByWorkerID = nil
	e.LockedAt = nil
	return nil
}

// PropagateError appends message to the entry's errors, bumps num_retries and unlocks it.
func (s *FrontierStore) PropagateError(_ context.Context, id string, workerID string, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.heldLocked(id, workerID)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	e.Errors = append(e.Errors, message)
	e.NumRetries++
	e.LastErrorAt = &now
	e.LockedByWorkerID = nil
	e.LockedAt = nil
	return nil
}

// ReleaseLock unlocks id without touching its retry state.
func (s *FrontierStore) ReleaseLock(_ context.Context, id string, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.heldLocked(id, workerID)
	if err != nil {
		return err
	}
	e.LockedByWorkerID = nil
	e.LockedAt = nil
	return nil
}

// heldLocked returns id's entry if workerID still holds its lock.
func (s *FrontierStore) heldLocked(id, workerID string) (*crawler.FrontierEntry, error) {
	e, ok := s.entries[id]
	if !ok {
		return nil, crawler.ErrNotFound
	}
	if e.LockedByWorkerID == nil || *e.LockedByWorkerID != workerID {
		return nil, crawler.ErrLockLost
	}
	return e, nil
}

// LoadBlockedDomains upserts blocklist rows.
func (s *FrontierStore) LoadBlockedDomains(_ context.Context, rows []crawler.BlockedDomain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range crawler.NormalizeBlockedRows(rows) {
		s.blocked[row.Domain] = row.Reason
	}
	return nil
}

// ListBlockedDomains returns the blocklist ordered by domain.
func (s *FrontierStore) ListBlockedDomains(_ context.Context) ([]crawler.BlockedDomain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blockedRowsLocked(), nil
}

// FilterExisting returns the normalized URLs that are not yet in the frontier.
func (s *FrontierStore) FilterExisting(_ context.Context, urls []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var missing []string
	for _, u := range crawler.NormalizeAll(urls) {
		if _, exists := s.byURL[u]; !exists {
			missing = append(missing, u)
		}
	}
	return missing, nil
}

// GetStats summarizes the frontier.
func (s *FrontierStore) GetStats(_ context.Context, maxRetries int) (crawler.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make([]crawler.FrontierEntry, 0, len(s.entries))
	for _, e := range s.entries {
		snapshot = append(snapshot, *e)
	}
	return crawler.ComputeStats(snapshot, s.clock.Now(), maxRetries), nil
}

// ListFetched returns done entries, most recently finished first.
func (s *FrontierStore) ListFetched(_ context.Context, limit int) ([]crawler.FrontierEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var done []crawler.FrontierEntry
	for _, e := range s.entries {
		if e.Done {
			done = append(done, cloneEntry(e))
		}
	}
	sort.Slice(done, func(i, j int) bool {
		return done[i].DateFinished.After(*done[j].DateFinished)
	})
	if limit > 0 && len(done) > limit {
		done = done[:limit]
	}
	return done, nil
}

// Lookup returns a copy of the entry stored under the normalized form of rawURL.
func (s *FrontierStore) Lookup(rawURL string) (crawler.FrontierEntry, error) {
	normalized, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return crawler.FrontierEntry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byURL[normalized]
	if !ok {
		return crawler.FrontierEntry{}, crawler.ErrNotFound
	}
	return cloneEntry(s.entries[id]), nil
}

// Close is a no-op.
func (s *FrontierStore) Close() {}

func (s *FrontierStore) blocklistLocked() *crawler.Blocklist {
	return crawler.NewBlocklist(s.blockedRowsLocked())
}

func (s *FrontierStore) blockedRowsLocked() []crawler.BlockedDomain {
	rows := make([]crawler.BlockedDomain, 0, len(s.blocked))
	for domain, reason := range s.blocked {
		rows = append(rows, crawler.BlockedDomain{Domain: domain, Reason: reason})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Domain < rows[j].Domain })
	return rows
}

func cloneEntry(e *crawler.FrontierEntry) crawler.FrontierEntry {
	out := *e
	out.Errors = append([]string(nil), e.Errors...)
	out.DateFinished = clonePtr(e.DateFinished)
	out.LockedByWorkerID = clonePtr(e.LockedByWorkerID)
	out.LockedAt = clonePtr(e.LockedAt)
	out.StoragePath = clonePtr(e.StoragePath)
	out.MinedFromURL = clonePtr(e.MinedFromURL)
	out.FetchDurationMs = clonePtr(e.FetchDurationMs)
	out.LastErrorAt = clonePtr(e.LastErrorAt)
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

var _ crawler.FrontierStore = (*FrontierStore)(nil)
