// Package mongodb provides a MongoDB-backed frontier store.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/JakeFAU/article-frontier/internal/clock"
	"github.com/JakeFAU/article-frontier/internal/crawler"
	"github.com/JakeFAU/article-frontier/internal/id/uuid"
)

// Config controls the MongoDB connection and collection names.
type Config struct {
	URI               string
	Database          string
	Collection        string
	BlockedCollection string
	ConnectTimeout    time.Duration
	StaleLockTime     time.Duration
}

const duplicateKeyCode = 11000

type entryDoc struct {
	ID               string     `bson:"_id"`
	URL              string     `bson:"url"`
	Domain           string     `bson:"domain"`
	Priority         int        `bson:"priority"`
	Done             bool       `bson:"done"`
	Errors           []string   `bson:"errors"`
	NumRetries       int        `bson:"num_retries"`
	Rand             float64    `bson:"rand"`
	DateAdded        time.Time  `bson:"date_added"`
	DateFinished     *time.Time `bson:"date_finished"`
	LockedByWorkerID *string    `bson:"locked_by_worker_id"`
	LockedAt         *time.Time `bson:"locked_at"`
	StoragePath      *string    `bson:"storage_path"`
	MinedFromURL     *string    `bson:"mined_from_url"`
	FetchDurationMs  *int64     `bson:"fetch_duration_ms"`
	LastErrorAt      *time.Time `bson:"last_error_at"`
}

func (d entryDoc) entry() crawler.FrontierEntry {
	errs := d.Errors
	if errs == nil {
		errs = []string{}
	}
	return crawler.FrontierEntry{
		ID:               d.ID,
		URL:              d.URL,
		Domain:           d.Domain,
		Priority:         d.Priority,
		Done:             d.Done,
		Errors:           errs,
		NumRetries:       d.NumRetries,
		DateAdded:        d.DateAdded,
		DateFinished:     d.DateFinished,
		LockedByWorkerID: d.LockedByWorkerID,
		LockedAt:         d.LockedAt,
		StoragePath:      d.StoragePath,
		MinedFromURL:     d.MinedFromURL,
		FetchDurationMs:  d.FetchDurationMs,
		LastErrorAt:      d.LastErrorAt,
	}
}

type blockedDoc struct {
	Domain string `bson:"_id"`
	Reason string `bson:"reason"`
}

// FrontierStore persists the frontier in MongoDB. Claims are single-document
// FindOneAndUpdate calls, so the eligibility filter and the lock write are one atomic step.
type FrontierStore struct {
	client       *mongo.Client
	db           *mongo.Database
	frontier     *mongo.Collection
	blocked      *mongo.Collection
	staleTimeout time.Duration
	clock        crawler.Clock
	ids          crawler.IDGenerator
}

// NewFrontierStore connects to MongoDB and pings the deployment.
func NewFrontierStore(ctx context.Context, cfg Config) (*FrontierStore, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongo.uri is required")
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	store := NewFrontierStoreWithDatabase(client.Database(cfg.Database), cfg, clock.NewSystem(), uuid.New())
	store.client = client
	return store, nil
}

// NewFrontierStoreWithDatabase builds a store over an existing database handle (primarily for testing).
func NewFrontierStoreWithDatabase(db *mongo.Database, cfg Config, clk crawler.Clock, ids crawler.IDGenerator) *FrontierStore {
	collection := cfg.Collection
	if collection == "" {
		collection = "frontier"
	}
	blocked := cfg.BlockedCollection
	if blocked == "" {
		blocked = "blocked_domains"
	}
	stale := cfg.StaleLockTime
	if stale <= 0 {
		stale = crawler.DefaultStaleLockTimeout
	}
	return &FrontierStore{
		db:           db,
		frontier:     db.Collection(collection),
		blocked:      db.Collection(blocked),
		staleTimeout: stale,
		clock:        clk,
		ids:          ids,
	}
}

// Close disconnects the client when the store owns it.
func (s *FrontierStore) Close() {
	if s == nil || s.client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.client.Disconnect(ctx)
}

// InitTables creates indexes, dropping both collections first when reset is set, and inserts seeds.
func (s *FrontierStore) InitTables(ctx context.Context, seedURLs []string, reset bool) (int, error) {
	if reset {
		if err := s.frontier.Drop(ctx); err != nil {
			return 0, fmt.Errorf("drop frontier: %w", err)
		}
		if err := s.blocked.Drop(ctx); err != nil {
			return 0, fmt.Errorf("drop blocked domains: %w", err)
		}
	}
	_, err := s.frontier.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "url", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "done", Value: 1}, {Key: "priority", Value: 1}, {Key: "rand", Value: 1}}},
		{Keys: bson.D{{Key: "date_finished", Value: -1}}},
	})
	if err != nil {
		return 0, fmt.Errorf("create indexes: %w", err)
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
	now := s.clock.Now()
	models := make([]mongo.WriteModel, 0, len(prepared))
	for _, p := range prepared {
		id, err := s.ids.NewID()
		if err != nil {
			return 0, fmt.Errorf("generate id: %w", err)
		}
		doc := entryDoc{
			ID:           id,
			URL:          p.URL,
			Domain:       p.Domain,
			Priority:     p.Priority,
			Errors:       []string{},
			Rand:         rand.Float64(), // #nosec G404 -- tie-break only.
			DateAdded:    now,
			MinedFromURL: p.MinedFromURL,
		}
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"url": p.URL}).
			SetUpdate(bson.M{"$setOnInsert": doc}).
			SetUpsert(true))
	}
	result, err := s.frontier.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil && !onlyDuplicateKeys(err) {
		return 0, fmt.Errorf("insert frontier docs: %w", err)
	}
	if result == nil {
		return 0, nil
	}
	return int(result.UpsertedCount), nil
}

// onlyDuplicateKeys reports whether err consists solely of duplicate-key write errors,
// which concurrent upserts of the same URL can produce.
func onlyDuplicateKeys(err error) bool {
	var bwe mongo.BulkWriteException
	if !errors.As(err, &bwe) || bwe.WriteConcernError != nil || len(bwe.WriteErrors) == 0 {
		return false
	}
	for _, we := range bwe.WriteErrors {
		if we.Code != duplicateKeyCode {
			return false
		}
	}
	return true
}

// ClaimAndLock locks the lowest-priority eligible document for workerID.
func (s *FrontierStore) ClaimAndLock(ctx context.Context, workerID string, maxRetries int) (crawler.FrontierEntry, error) {
	blocked, err := s.ListBlockedDomains(ctx)
	if err != nil {
		return crawler.FrontierEntry{}, err
	}
	now := s.clock.Now()
	filter := claimFilter(maxRetries, now.Add(-s.staleTimeout), blocked)
	update := bson.M{"$set": bson.M{
		"locked_by_worker_id": workerID,
		"locked_at":           now,
		"rand":                rand.Float64(), // #nosec G404 -- tie-break only.
	}}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "priority", Value: 1}, {Key: "rand", Value: 1}}).
		SetReturnDocument(options.After)

	var doc entryDoc
	if err := s.frontier.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return crawler.FrontierEntry{}, crawler.ErrFrontierExhausted
		}
		return crawler.FrontierEntry{}, fmt.Errorf("claim frontier doc: %w", err)
	}
	return doc.entry(), nil
}

func claimFilter(maxRetries int, staleCutoff time.Time, blocked []crawler.BlockedDomain) bson.M {
	filter := bson.M{
		"done":        false,
		"num_retries": bson.M{"$lt": maxRetries},
		"$or": bson.A{
			bson.M{"locked_by_worker_id": nil},
			bson.M{"locked_at": nil},
			bson.M{"locked_at": bson.M{"$lt": staleCutoff}},
		},
	}
	if pattern := blockedPattern(blocked); pattern != "" {
		filter["domain"] = bson.M{"$not": primitive.Regex{Pattern: pattern, Options: "i"}}
	}
	return filter
}

func blockedPattern(blocked []crawler.BlockedDomain) string {
	patterns := crawler.NewBlocklist(blocked).Patterns()
	quoted := make([]string, 0, len(patterns))
	for _, p := range patterns {
		quoted = append(quoted, regexp.QuoteMeta(p))
	}
	return strings.Join(quoted, "|")
}

func unlockFields() bson.M {
	return bson.M{
		"locked_by_worker_id": nil,
		"locked_at":           nil,
		"rand":                rand.Float64(), // #nosec G404 -- tie-break only.
	}
}

// MarkDone records success for id and clears its lock.
func (s *FrontierStore) MarkDone(ctx context.Context, id string, workerID string, storagePath string, fetchDuration time.Duration) error {
	set := unlockFields()
	set["done"] = true
	set["date_finished"] = s.clock.Now()
	set["storage_path"] = storagePath
	set["fetch_duration_ms"] = fetchDuration.Milliseconds()
	return s.updateHeld(ctx, "mark done", id, workerID, bson.M{"$set": set})
}

// PropagateError appends message, bumps num_retries and clears the lock.
func (s *FrontierStore) PropagateError(ctx context.Context, id string, workerID string, message string) error {
	set := unlockFields()
	set["last_error_at"] = s.clock.Now()
	return s.updateHeld(ctx, "propagate error", id, workerID, bson.M{
		"$set":  set,
		"$push": bson.M{"errors": message},
		"$inc":  bson.M{"num_retries": 1},
	})
}

// ReleaseLock clears the lock without touching retry state.
func (s *FrontierStore) ReleaseLock(ctx context.Context, id string, workerID string) error {
	return s.updateHeld(ctx, "release lock", id, workerID, bson.M{"$set": unlockFields()})
}

func heldFilter(id, workerID string) bson.M {
	return bson.M{"_id": id, "locked_by_worker_id": workerID}
}

// updateHeld applies update only while workerID still holds id's lock.
func (s *FrontierStore) updateHeld(ctx context.Context, op, id, workerID string, update bson.M) error {
	result, err := s.frontier.UpdateOne(ctx, heldFilter(id, workerID), update)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if result.MatchedCount == 0 {
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
	models := make([]mongo.WriteModel, 0, len(rows))
	for _, row := range rows {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": row.Domain}).
			SetUpdate(bson.M{"$set": bson.M{"reason": row.Reason}}).
			SetUpsert(true))
	}
	if _, err := s.blocked.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false)); err != nil {
		return fmt.Errorf("upsert blocked domains: %w", err)
	}
	return nil
}

// ListBlockedDomains returns the blocklist ordered by domain.
func (s *FrontierStore) ListBlockedDomains(ctx context.Context) ([]crawler.BlockedDomain, error) {
	cursor, err := s.blocked.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list blocked domains: %w", err)
	}
	var docs []blockedDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode blocked domains: %w", err)
	}
	out := make([]crawler.BlockedDomain, 0, len(docs))
	for _, d := range docs {
		out = append(out, crawler.BlockedDomain{Domain: d.Domain, Reason: d.Reason})
	}
	return out, nil
}

// FilterExisting returns the normalized URLs that are not yet in the frontier.
func (s *FrontierStore) FilterExisting(ctx context.Context, urls []string) ([]string, error) {
	candidates := crawler.NormalizeAll(urls)
	if len(candidates) == 0 {
		return nil, nil
	}
	cursor, err := s.frontier.Find(ctx,
		bson.M{"url": bson.M{"$in": candidates}},
		options.Find().SetProjection(bson.M{"url": 1}))
	if err != nil {
		return nil, fmt.Errorf("filter existing urls: %w", err)
	}
	var found []struct {
		URL string `bson:"url"`
	}
	if err := cursor.All(ctx, &found); err != nil {
		return nil, fmt.Errorf("decode existing urls: %w", err)
	}
	existing := make(map[string]struct{}, len(found))
	for _, f := range found {
		existing[f.URL] = struct{}{}
	}
	var missing []string
	for _, u := range candidates {
		if _, ok := existing[u]; !ok {
			missing = append(missing, u)
		}
	}
	return missing, nil
}

type statsDoc struct {
	Total       int64   `bson:"total"`
	Done        int64   `bson:"done"`
	WithErrors  int64   `bson:"with_errors"`
	Exhausted   int64   `bson:"exhausted"`
	TotalErrors int64   `bson:"total_errors"`
	AvgMs       float64 `bson:"avg_ms"`
	Successes   []int64 `bson:"successes"`
	Errors      []int64 `bson:"errors"`
}

func countIf(cond any) bson.M {
	return bson.M{"$sum": bson.M{"$cond": bson.A{cond, 1, 0}}}
}

func statsPipeline(now time.Time, maxRetries int) mongo.Pipeline {
	errorsSize := bson.M{"$size": bson.M{"$ifNull": bson.A{"$errors", bson.A{}}}}
	group := bson.D{
		{Key: "_id", Value: nil},
		{Key: "total", Value: bson.M{"$sum": 1}},
		{Key: "done", Value: countIf("$done")},
		{Key: "with_errors", Value: countIf(bson.M{"$gt": bson.A{errorsSize, 0}})},
		{Key: "exhausted", Value: countIf(bson.M{"$and": bson.A{
			bson.M{"$eq": bson.A{"$done", false}},
			bson.M{"$gte": bson.A{"$num_retries", maxRetries}},
		}})},
		{Key: "total_errors", Value: bson.M{"$sum": errorsSize}},
		{Key: "avg_ms", Value: bson.M{"$avg": bson.M{"$cond": bson.A{"$done", "$fetch_duration_ms", nil}}}},
	}
	successes := bson.A{}
	failures := bson.A{}
	for i, w := range crawler.StatsWindows {
		since := now.Add(-w)
		s := fmt.Sprintf("s%d", i)
		e := fmt.Sprintf("e%d", i)
		group = append(group,
			bson.E{Key: s, Value: countIf(bson.M{"$gte": bson.A{"$date_finished", since}})},
			bson.E{Key: e, Value: countIf(bson.M{"$gte": bson.A{"$last_error_at", since}})},
		)
		successes = append(successes, "$"+s)
		failures = append(failures, "$"+e)
	}
	return mongo.Pipeline{
		{{Key: "$group", Value: group}},
		{{Key: "$project", Value: bson.D{
			{Key: "total", Value: 1},
			{Key: "done", Value: 1},
			{Key: "with_errors", Value: 1},
			{Key: "exhausted", Value: 1},
			{Key: "total_errors", Value: 1},
			{Key: "avg_ms", Value: bson.M{"$ifNull": bson.A{"$avg_ms", 0}}},
			{Key: "successes", Value: successes},
			{Key: "errors", Value: failures},
		}}},
	}
}

func topErrorsPipeline() mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$unwind", Value: "$errors"}},
		{{Key: "$group", Value: bson.D{{Key: "_id", Value: "$errors"}, {Key: "count", Value: bson.M{"$sum": 1}}}}},
		{{Key: "$sort", Value: bson.D{{Key: "count", Value: -1}, {Key: "_id", Value: 1}}}},
		{{Key: "$limit", Value: crawler.TopErrorLimit}},
	}
}

// GetStats summarizes the frontier with two aggregations. It only reads.
func (s *FrontierStore) GetStats(ctx context.Context, maxRetries int) (crawler.Stats, error) {
	cursor, err := s.frontier.Aggregate(ctx, statsPipeline(s.clock.Now(), maxRetries))
	if err != nil {
		return crawler.Stats{}, fmt.Errorf("aggregate stats: %w", err)
	}
	var docs []statsDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return crawler.Stats{}, fmt.Errorf("decode stats: %w", err)
	}
	stats := crawler.Stats{}
	recent := make([]crawler.WindowCounts, len(crawler.StatsWindows))
	for i, w := range crawler.StatsWindows {
		recent[i].Window = w
	}
	if len(docs) > 0 {
		d := docs[0]
		stats.Total = d.Total
		stats.Done = d.Done
		stats.Pending = d.Total - d.Done
		stats.WithErrors = d.WithErrors
		stats.Exhausted = d.Exhausted
		stats.TotalErrors = d.TotalErrors
		stats.AvgFetchLatencyMs = d.AvgMs
		for i := range recent {
			if i < len(d.Successes) {
				recent[i].Successes = d.Successes[i]
			}
			if i < len(d.Errors) {
				recent[i].Errors = d.Errors[i]
			}
		}
	}
	stats.Recent = recent

	cursor, err = s.frontier.Aggregate(ctx, topErrorsPipeline())
	if err != nil {
		return crawler.Stats{}, fmt.Errorf("aggregate top errors: %w", err)
	}
	var top []struct {
		Message string `bson:"_id"`
		Count   int64  `bson:"count"`
	}
	if err := cursor.All(ctx, &top); err != nil {
		return crawler.Stats{}, fmt.Errorf("decode top errors: %w", err)
	}
	for _, t := range top {
		stats.TopErrors = append(stats.TopErrors, crawler.ErrorCount{Message: t.Message, Count: t.Count})
	}
	return stats, nil
}

// ListFetched returns done documents, most recently finished first.
func (s *FrontierStore) ListFetched(ctx context.Context, limit int) ([]crawler.FrontierEntry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "date_finished", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.frontier.Find(ctx, bson.M{"done": true}, opts)
	if err != nil {
		return nil, fmt.Errorf("list fetched: %w", err)
	}
	var docs []entryDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode fetched: %w", err)
	}
	out := make([]crawler.FrontierEntry, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.entry())
	}
	return out, nil
}

var _ crawler.FrontierStore = (*FrontierStore)(nil)
