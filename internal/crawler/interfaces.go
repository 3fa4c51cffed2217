package crawler

import (
	"context"
	"io"
	"time"
)

// ClaimCoordinator implements the claim/lock/release/retry protocol over the frontier.
type ClaimCoordinator interface {
	// ClaimAndLock atomically locks one eligible entry for workerID.
	// It returns ErrFrontierExhausted when nothing is claimable.
	ClaimAndLock(ctx context.Context, workerID string, maxRetries int) (FrontierEntry, error)
	// MarkDone records a successful fetch and clears the lock.
	// The last three methods only touch a row still locked by workerID and return
	// ErrLockLost otherwise.
	MarkDone(ctx context.Context, id string, workerID string, storagePath string, fetchDuration time.Duration) error
	// PropagateError appends message, increments num_retries and clears the lock.
	PropagateError(ctx context.Context, id string, workerID string, message string) error
	// ReleaseLock clears the lock without recording success or failure.
	ReleaseLock(ctx context.Context, id string, workerID string) error
}

// FrontierStore is the durable table of known URLs shared by all workers.
type FrontierStore interface {
	ClaimCoordinator

	InitTables(ctx context.Context, seedURLs []string, reset bool) (int, error)
	InsertDiscovered(ctx context.Context, entries []NewEntry) (int, error)
	LoadBlockedDomains(ctx context.Context, rows []BlockedDomain) error
	ListBlockedDomains(ctx context.Context) ([]BlockedDomain, error)
	FilterExisting(ctx context.Context, urls []string) ([]string, error)
	GetStats(ctx context.Context, maxRetries int) (Stats, error)
	ListFetched(ctx context.Context, limit int) ([]FrontierEntry, error)
	Close()
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	GetObject(ctx context.Context, ref string) ([]byte, error)
	// PathOf maps a ref returned by PutObject back to the path it was written under.
	PathOf(ref string) (string, error)
}

// Publisher pushes fetch notifications to Pub/Sub, Kafka or similar.
type Publisher interface {
	Publish(ctx context.Context, event PageFetched) error
}

// Fetcher fetches a URL, stores its body and returns the discovered links.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (FetchResult, error)
}

// DomainLimiter reserves the next fetch slot for a domain.
type DomainLimiter interface {
	// Reserve returns true and books the next crawl-delay window when the domain is ready.
	Reserve(ctx context.Context, domain string) (bool, error)
}

// RobotsPolicy decides whether robots.txt permits fetching a URL.
type RobotsPolicy interface {
	// Allowed reports whether rawURL, hosted on domain, may be fetched.
	Allowed(ctx context.Context, rawURL string, domain string) bool
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces frontier entry IDs.
type IDGenerator interface {
	NewID() (string, error)
}
