// Package postgres provides the Postgres-backed frontier store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/article-frontier/internal/clock"
	"github.com/JakeFAU/article-frontier/internal/crawler"
	"github.com/JakeFAU/article-frontier/internal/id/uuid"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const entryColumns = `id::text, url, domain, priority, done, errors, num_retries, date_added,
	date_finished, locked_by_worker_id, locked_at, storage_path, mined_from_url,
	fetch_duration_ms, last_error_at`

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string
	Table           string
	BlockedTable    string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	StaleLockTime   time.Duration
}

// pool is the subset of pgxpool.Pool used by the store; pgxmock satisfies it in tests.
type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// FrontierStore persists the frontier in Postgres and claims rows with FOR UPDATE SKIP LOCKED.
type FrontierStore struct {
	pool         pool
	table        string
	blocked      string
	staleTimeout time.Duration
	clock        crawler.Clock
	ids          crawler.IDGenerator
}

// NewFrontierStore connects to Postgres using cfg.
func NewFrontierStore(ctx context.Context, cfg Config) (*FrontierStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pgPool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewFrontierStoreWithPool(pgPool, cfg, clock.NewSystem(), uuid.New())
	if err != nil {
		pgPool.Close()
		return nil, err
	}
	return store, nil
}

// NewFrontierStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewFrontierStoreWithPool(p pool, cfg Config, clk crawler.Clock, ids crawler.IDGenerator) (*FrontierStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table := cfg.Table
	if table == "" {
		table = "frontier"
	}
	blocked := cfg.BlockedTable
	if blocked == "" {
		blocked = "blocked_domains"
	}
	for _, name := range []string{table, blocked} {
		if !validTableName.MatchString(name) {
			return nil, fmt.Errorf("invalid table name %q", name)
		}
	}
	stale := cfg.StaleLockTime
	if stale <= 0 {
		stale = crawler.DefaultStaleLockTimeout
	}
	return &FrontierStore{
		pool:         p,
		table:        table,
		blocked:      blocked,
		staleTimeout: stale,
		clock:        clk,
		ids:          ids,
	}, nil
}

// Close releases the underlying pool resources.
func (s *FrontierStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// InitTables creates the schema, dropping it first when reset is set, and inserts the seeds.
func (s *FrontierStore) InitTables(ctx context.Context, seedURLs []string, reset bool) (int, error) {
	if reset {
		if _, err := s.pool.Exec(ctx, dropSQL(s.table, s.blocked)); err != nil {
			return 0, fmt.Errorf("drop schema: %w", err)
		}
	}
	if _, err := s.pool.Exec(ctx, schemaSQL(s.table, s.blocked)); err != nil {
		return 0, fmt.Errorf("create schema: %w", err)
	}
	return s.insert(ctx, crawler.PrepareEntries(crawler.SeedEntries(seedURLs)))
}

// InsertDiscovered inserts entries, ignoring URLs that already exist.
func (s *FrontierStore) InsertDiscovered(ctx context.Context, entries []crawler.NewEntry) (int, error) {
	return s.insert(ctx, crawler.PrepareEntries(entries))
}

func (s *FrontierStore) insert(ctx context.Context, prepared []crawler.PreparedEntry) (int, error) {
	if len(prepared) == 0 {
		return 0, nil
	}
	ids := make([]string, 0, len(prepared))
	urls := make([]string, 0, len(prepared))
	domains := make([]string, 0, len(prepared))
	priorities := make([]int32, 0, len(prepared))
	mined := make([]*string, 0, len(prepared))
	for _, p := range prepared {
		id, err := s.ids.NewID()
		if err != nil {
			return 0, fmt.Errorf("generate id: %w", err)
		}
		ids = append(ids, id)
		urls = append(urls, p.URL)
		domains = append(domains, p.Domain)
		priorities = append(priorities, int32(p.Priority)) // #nosec G115 -- priorities are small depths.
		mined = append(mined, p.MinedFromURL)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, url, domain, priority, mined_from_url, date_added)
SELECT u.id, u.url, u.domain, u.priority, u.mined_from_url, $6
FROM unnest($1::uuid[], $2::text[], $3::text[], $4::int4[], $5::text[])
	AS u(id, url, domain, priority, mined_from_url)
ON CONFLICT (url) DO NOTHING`, s.table)
	tag, err := s.pool.Exec(ctx, query, ids, urls, domains, priorities, mined, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("insert frontier rows: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ClaimAndLock locks the lowest-priority eligible row for workerID, ties broken randomly.
func (s *FrontierStore) ClaimAndLock(ctx context.Context, workerID string, maxRetries int) (crawler.FrontierEntry, error) {
	now := s.clock.Now()
	query := fmt.Sprintf(`
UPDATE %[1]s AS f
SET locked_by_worker_id = $1, locked_at = $2
FROM (
	SELECT c.id
	FROM %[1]s AS c
	WHERE NOT c.done
		AND c.num_retries < $3
		AND (c.locked_by_worker_id IS NULL OR c.locked_at IS NULL OR c.locked_at < $4)
		AND NOT EXISTS (SELECT 1 FROM %[2]s AS b WHERE strpos(c.domain, b.domain) > 0)
	ORDER BY c.priority, random()
	LIMIT 1
	FOR UPDATE SKIP LOCKED
) AS pick
WHERE f.id = pick.id
RETURNING %[3]s`, s.table, s.blocked, prefixed("f", entryColumns))
	row := s.pool.QueryRow(ctx, query, workerID, now, maxRetries, now.Add(-s.staleTimeout))
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.FrontierEntry{}, crawler.ErrFrontierExhausted
		}
		return crawler.FrontierEntry{}, fmt.Errorf("claim frontier row: %w", err)
	}
	return entry, nil
}

// MarkDone records success for id and clears its lock.
func (s *FrontierStore) MarkDone(ctx context.Context, id string, workerID string, storagePath string, fetchDuration time.Duration) error {
	query := fmt.Sprintf(`
UPDATE %s
SET done = TRUE, date_finished = $3, storage_path = $4, fetch_duration_ms = $5,
	locked_by_worker_id = NULL, locked_at = NULL
WHERE id = $1 AND locked_by_worker_id = $2`, s.table)
	return s.execHeld(ctx, "mark done", query, id, workerID, s.clock.Now(), storagePath, fetchDuration.Milliseconds())
}

// PropagateError appends message, bumps num_retries and clears the lock.
func (s *FrontierStore) PropagateError(ctx context.Context, id string, workerID string, message string) error {
	query := fmt.Sprintf(`
UPDATE %s
SET errors = array_append(errors, $3), num_retries = num_retries + 1, last_error_at = $4,
	locked_by_worker_id = NULL, locked_at = NULL
WHERE id = $1 AND locked_by_worker_id = $2`, s.table)
	return s.execHeld(ctx, "propagate error", query, id, workerID, message, s.clock.Now())
}

// ReleaseLock clears the lock without touching retry state.
func (s *FrontierStore) ReleaseLock(ctx context.Context, id string, workerID string) error {
	query := fmt.Sprintf(`UPDATE %s SET locked_by_worker_id = NULL, locked_at = NULL WHERE id = $1 AND locked_by_worker_id = $2`, s.table)
	return s.execHeld(ctx, "release lock", query, id, workerID)
}

// execHeld runs an update guarded by the lock holder. No matching row means the id is unknown
// or another worker owns the lock now.
func (s *FrontierStore) execHeld(ctx context.Context, op, query string, id, workerID string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, append([]any{id, workerID}, args...)...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s by %s: %w", op, id, workerID, crawler.ErrLockLost)
	}
	return nil
}

// LoadBlockedDomains upserts blocklist rows keyed by domain.
func (s *FrontierStore) LoadBlockedDomains(ctx context.Context, rows []crawler.BlockedDomain) error {
	rows = crawler.NormalizeBlockedRows(rows)
	if len(rows) == 0 {
		return nil
	}
	domains := make([]string, 0, len(rows))
	reasons := make([]string, 0, len(rows))
	for _, row := range rows {
		domains = append(domains, row.Domain)
		reasons = append(reasons, row.Reason)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (domain, reason)
SELECT * FROM unnest($1::text[], $2::text[])
ON CONFLICT (domain) DO UPDATE SET reason = EXCLUDED.reason`, s.blocked)
	if _, err := s.pool.Exec(ctx, query, domains, reasons); err != nil {
		return fmt.Errorf("upsert blocked domains: %w", err)
	}
	return nil
}

// ListBlockedDomains returns the blocklist ordered by domain.
func (s *FrontierStore) ListBlockedDomains(ctx context.Context) ([]crawler.BlockedDomain, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT domain, reason FROM %s ORDER BY domain`, s.blocked))
	if err != nil {
		return nil, fmt.Errorf("list blocked domains: %w", err)
	}
	defer rows.Close()
	var out []crawler.BlockedDomain
	for rows.Next() {
		var row crawler.BlockedDomain
		if err := rows.Scan(&row.Domain, &row.Reason); err != nil {
			return nil, fmt.Errorf("scan blocked domain: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list blocked domains: %w", err)
	}
	return out, nil
}

// FilterExisting returns the normalized URLs that are not yet in the frontier.
func (s *FrontierStore) FilterExisting(ctx context.Context, urls []string) ([]string, error) {
	candidates := crawler.NormalizeAll(urls)
	if len(candidates) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT url FROM %s WHERE url = ANY($1)`, s.table), candidates)
	if err != nil {
		return nil, fmt.Errorf("filter existing urls: %w", err)
	}
	defer rows.Close()
	existing := make(map[string]struct{})
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan url: %w", err)
		}
		existing[u] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("filter existing urls: %w", err)
	}
	var missing []string
	for _, u := range candidates {
		if _, ok := existing[u]; !ok {
			missing = append(missing, u)
		}
	}
	return missing, nil
}

// GetStats summarizes the frontier. It only reads.
func (s *FrontierStore) GetStats(ctx context.Context, maxRetries int) (crawler.Stats, error) {
	now := s.clock.Now()
	windowStarts := make([]any, 0, len(crawler.StatsWindows))
	for _, w := range crawler.StatsWindows {
		windowStarts = append(windowStarts, now.Add(-w))
	}
	query := fmt.Sprintf(`
SELECT
	count(*),
	count(*) FILTER (WHERE done),
	count(*) FILTER (WHERE NOT done),
	count(*) FILTER (WHERE cardinality(errors) > 0),
	count(*) FILTER (WHERE NOT done AND num_retries >= $1),
	coalesce(sum(cardinality(errors)), 0)::bigint,
	coalesce(avg(fetch_duration_ms) FILTER (WHERE done), 0)::float8,
	count(*) FILTER (WHERE date_finished >= $2),
	count(*) FILTER (WHERE last_error_at >= $2),
	count(*) FILTER (WHERE date_finished >= $3),
	count(*) FILTER (WHERE last_error_at >= $3),
	count(*) FILTER (WHERE date_finished >= $4),
	count(*) FILTER (WHERE last_error_at >= $4)
FROM %s`, s.table)

	var stats crawler.Stats
	recent := make([]crawler.WindowCounts, len(crawler.StatsWindows))
	for i, w := range crawler.StatsWindows {
		recent[i].Window = w
	}
	args := append([]any{maxRetries}, windowStarts...)
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Done,
		&stats.Pending,
		&stats.WithErrors,
		&stats.Exhausted,
		&stats.TotalErrors,
		&stats.AvgFetchLatencyMs,
		&recent[0].Successes, &recent[0].Errors,
		&recent[1].Successes, &recent[1].Errors,
		&recent[2].Successes, &recent[2].Errors,
	)
	if err != nil {
		return crawler.Stats{}, fmt.Errorf("query stats: %w", err)
	}
	stats.Recent = recent

	topQuery := fmt.Sprintf(`
SELECT e.message, count(*)
FROM %s AS f, unnest(f.errors) AS e(message)
GROUP BY e.message
ORDER BY count(*) DESC, e.message
LIMIT $1`, s.table)
	rows, err := s.pool.Query(ctx, topQuery, crawler.TopErrorLimit)
	if err != nil {
		return crawler.Stats{}, fmt.Errorf("query top errors: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ec crawler.ErrorCount
		if err := rows.Scan(&ec.Message, &ec.Count); err != nil {
			return crawler.Stats{}, fmt.Errorf("scan top error: %w", err)
		}
		stats.TopErrors = append(stats.TopErrors, ec)
	}
	if err := rows.Err(); err != nil {
		return crawler.Stats{}, fmt.Errorf("query top errors: %w", err)
	}
	return stats, nil
}

// ListFetched returns done rows, most recently finished first.
func (s *FrontierStore) ListFetched(ctx context.Context, limit int) ([]crawler.FrontierEntry, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE done ORDER BY date_finished DESC LIMIT $1`, entryColumns, s.table)
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list fetched: %w", err)
	}
	defer rows.Close()
	var out []crawler.FrontierEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fetched row: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list fetched: %w", err)
	}
	return out, nil
}

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func scanEntry(row pgx.Row) (crawler.FrontierEntry, error) {
	var e crawler.FrontierEntry
	err := row.Scan(
		&e.ID,
		&e.URL,
		&e.Domain,
		&e.Priority,
		&e.Done,
		&e.Errors,
		&e.NumRetries,
		&e.DateAdded,
		&e.DateFinished,
		&e.LockedByWorkerID,
		&e.LockedAt,
		&e.StoragePath,
		&e.MinedFromURL,
		&e.FetchDurationMs,
		&e.LastErrorAt,
	)
	return e, err
}

var _ crawler.FrontierStore = (*FrontierStore)(nil)
