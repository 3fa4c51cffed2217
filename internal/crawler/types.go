package crawler

import (
	"net/http"
	"time"
)

// DefaultStaleLockTimeout is the age after which a claim may be taken over by another worker.
const DefaultStaleLockTimeout = 60 * time.Second

// FrontierEntry is one known URL and its crawl state.
type FrontierEntry struct {
	ID               string     `json:"id"`
	URL              string     `json:"url"`
	Domain           string     `json:"domain"`
	Priority         int        `json:"priority"`
	Done             bool       `json:"done"`
	Errors           []string   `json:"errors"`
	NumRetries       int        `json:"num_retries"`
	DateAdded        time.Time  `json:"date_added"`
	DateFinished     *time.Time `json:"date_finished,omitempty"`
	LockedByWorkerID *string    `json:"locked_by_worker_id,omitempty"`
	LockedAt         *time.Time `json:"locked_at,omitempty"`
	StoragePath      *string    `json:"storage_path,omitempty"`
	MinedFromURL     *string    `json:"mined_from_url,omitempty"`
	FetchDurationMs  *int64     `json:"fetch_duration_ms,omitempty"`
	LastErrorAt      *time.Time `json:"last_error_at,omitempty"`
}

// LockState classifies an entry's claim relative to the stale-lock window.
type LockState string

// Lock states for a frontier entry.
const (
	LockUnclaimed    LockState = "unclaimed"
	LockClaimedFresh LockState = "claimed-fresh"
	LockClaimedStale LockState = "claimed-stale"
)

// LockStateAt reports the entry's lock state at now for the given stale timeout.
func (e FrontierEntry) LockStateAt(now time.Time, staleTimeout time.Duration) LockState {
	if e.LockedByWorkerID == nil || e.LockedAt == nil {
		return LockUnclaimed
	}
	if e.LockedAt.Before(now.Add(-staleTimeout)) {
		return LockClaimedStale
	}
	return LockClaimedFresh
}

// Exhausted reports whether the entry can no longer be claimed under maxRetries.
func (e FrontierEntry) Exhausted(maxRetries int) bool {
	return !e.Done && e.NumRetries >= maxRetries
}

// NewEntry describes a URL to insert into the frontier.
type NewEntry struct {
	URL          string
	Priority     int
	MinedFromURL string
}

// BlockedDomain is a host pattern excluded from fetching and discovery.
type BlockedDomain struct {
	Domain string `json:"domain"`
	Reason string `json:"reason"`
}

// ErrorCount pairs an error message with its number of occurrences.
type ErrorCount struct {
	Message string `json:"message"`
	Count   int64  `json:"count"`
}

// WindowCounts holds success and error counts for a trailing time window.
type WindowCounts struct {
	Window    time.Duration `json:"window"`
	Successes int64         `json:"successes"`
	Errors    int64         `json:"errors"`
}

// StatsWindows are the trailing windows reported by GetStats.
var StatsWindows = []time.Duration{time.Minute, 10 * time.Minute, time.Hour}

// Stats summarizes the frontier.
type Stats struct {
	Total             int64          `json:"total"`
	Done              int64          `json:"done"`
	Pending           int64          `json:"pending"`
	WithErrors        int64          `json:"with_errors"`
	Exhausted         int64          `json:"exhausted"`
	TotalErrors       int64          `json:"total_errors"`
	TopErrors         []ErrorCount   `json:"top_errors"`
	AvgFetchLatencyMs float64        `json:"avg_fetch_latency_ms"`
	Recent            []WindowCounts `json:"recent"`
}

// FetchResult is returned by a Fetcher for a single URL.
type FetchResult struct {
	URL         string
	FinalURL    string
	StatusCode  int
	Headers     http.Header
	ContentType string
	Body        []byte
	StoragePath string
	Links       []string
	Duration    time.Duration
}

// PageFetched is published after a frontier entry is marked done.
type PageFetched struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Domain      string    `json:"domain"`
	StoragePath string    `json:"storage_path"`
	FetchedAt   time.Time `json:"fetched_at"`
	DurationMs  int64     `json:"duration_ms"`
	WorkerID    string    `json:"worker_id"`
}
