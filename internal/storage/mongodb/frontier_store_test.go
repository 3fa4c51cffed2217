package mongodb

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/JakeFAU/article-frontier/internal/clock"
	"github.com/JakeFAU/article-frontier/internal/crawler"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type sequenceIDs struct{ n int }

func (s *sequenceIDs) NewID() (string, error) {
	s.n++
	return fmt.Sprintf("id-%d", s.n), nil
}

func TestClaimFilter(t *testing.T) {
	t.Parallel()

	cutoff := now.Add(-time.Minute)
	filter := claimFilter(3, cutoff, nil)
	assert.Equal(t, false, filter["done"])
	assert.Equal(t, bson.M{"$lt": 3}, filter["num_retries"])
	assert.Len(t, filter["$or"], 3)
	assert.NotContains(t, filter, "domain")

	filter = claimFilter(3, cutoff, []crawler.BlockedDomain{{Domain: "*.RU"}, {Domain: "a.c"}})
	domain, ok := filter["domain"].(bson.M)
	require.True(t, ok)
	assert.Equal(t, primitive.Regex{Pattern: `\.ru|a\.c`, Options: "i"}, domain["$not"])
}

func TestStatsPipelineShape(t *testing.T) {
	t.Parallel()

	pipeline := statsPipeline(now, 5)
	require.Len(t, pipeline, 2)
	assert.Equal(t, "$group", pipeline[0][0].Key)
	assert.Equal(t, "$project", pipeline[1][0].Key)
	require.Len(t, topErrorsPipeline(), 4)
}

func TestHeldFilter(t *testing.T) {
	t.Parallel()

	assert.Equal(t, bson.M{"_id": "id-1", "locked_by_worker_id": "w1"}, heldFilter("id-1", "w1"))
}

func newStore(mt *mtest.T) *FrontierStore {
	return NewFrontierStoreWithDatabase(mt.DB, Config{}, clock.NewManual(now), &sequenceIDs{})
}

func TestMongoFrontierStore(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("claim returns locked entry", func(mt *mtest.T) {
		store := newStore(mt)
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, "db.blocked_domains", mtest.FirstBatch),
			mtest.CreateSuccessResponse(bson.E{Key: "value", Value: bson.D{
				{Key: "_id", Value: "id-1"},
				{Key: "url", Value: "https://a.com/x"},
				{Key: "domain", Value: "a.com"},
				{Key: "priority", Value: 0},
				{Key: "done", Value: false},
				{Key: "errors", Value: bson.A{}},
				{Key: "num_retries", Value: 1},
				{Key: "date_added", Value: now.Add(-time.Hour)},
				{Key: "locked_by_worker_id", Value: "w1"},
				{Key: "locked_at", Value: now},
			}}),
		)
		entry, err := store.ClaimAndLock(context.Background(), "w1", 3)
		require.NoError(mt, err)
		assert.Equal(mt, "id-1", entry.ID)
		assert.Equal(mt, 1, entry.NumRetries)
		require.NotNil(mt, entry.LockedByWorkerID)
		assert.Equal(mt, "w1", *entry.LockedByWorkerID)
	})

	mt.Run("claim with nothing eligible", func(mt *mtest.T) {
		store := newStore(mt)
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, "db.blocked_domains", mtest.FirstBatch,
				bson.D{{Key: "_id", Value: "spam.com"}, {Key: "reason", Value: "spam"}}),
			mtest.CreateSuccessResponse(bson.E{Key: "value", Value: nil}),
		)
		_, err := store.ClaimAndLock(context.Background(), "w1", 3)
		require.ErrorIs(mt, err, crawler.ErrFrontierExhausted)
	})

	mt.Run("release without holding the lock", func(mt *mtest.T) {
		store := newStore(mt)
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}, bson.E{Key: "nModified", Value: 0}))
		err := store.ReleaseLock(context.Background(), "missing", "w1")
		require.ErrorIs(mt, err, crawler.ErrLockLost)
	})

	mt.Run("late write after takeover", func(mt *mtest.T) {
		store := newStore(mt)
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}, bson.E{Key: "nModified", Value: 0}))
		err := store.MarkDone(context.Background(), "id-1", "w1", "gs://bucket/late.html", time.Minute)
		require.ErrorIs(mt, err, crawler.ErrLockLost)

	})

	mt.Run("propagate error", func(mt *mtest.T) {
		store := newStore(mt)
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}, bson.E{Key: "nModified", Value: 1}))
		require.NoError(mt, store.PropagateError(context.Background(), "id-1", "w1", "timeout"))
	})

	mt.Run("insert counts upserts", func(mt *mtest.T) {
		store := newStore(mt)
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 0},
			bson.E{Key: "upserted", Value: bson.A{bson.D{{Key: "index", Value: 0}, {Key: "_id", Value: "id-1"}}}},
		))
		n, err := store.InsertDiscovered(context.Background(), []crawler.NewEntry{
			{URL: "https://a.com/new/", Priority: 1, MinedFromURL: "https://a.com"},
			{URL: "https://a.com/old"},
		})
		require.NoError(mt, err)
		assert.Equal(mt, 1, n)
	})

	mt.Run("stats on empty collection", func(mt *mtest.T) {
		store := newStore(mt)
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, "db.frontier", mtest.FirstBatch),
			mtest.CreateCursorResponse(0, "db.frontier", mtest.FirstBatch),
		)
		stats, err := store.GetStats(context.Background(), 3)
		require.NoError(mt, err)
		assert.Zero(mt, stats.Total)
		assert.Len(mt, stats.Recent, len(crawler.StatsWindows))
	})

	mt.Run("stats decode", func(mt *mtest.T) {
		store := newStore(mt)
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, "db.frontier", mtest.FirstBatch, bson.D{
				{Key: "total", Value: 4},
				{Key: "done", Value: 2},
				{Key: "with_errors", Value: 1},
				{Key: "exhausted", Value: 1},
				{Key: "total_errors", Value: 3},
				{Key: "avg_ms", Value: 150.0},
				{Key: "successes", Value: bson.A{1, 2, 2}},
				{Key: "errors", Value: bson.A{0, 1, 3}},
			}),
			mtest.CreateCursorResponse(0, "db.frontier", mtest.FirstBatch,
				bson.D{{Key: "_id", Value: "timeout"}, {Key: "count", Value: 3}}),
		)
		stats, err := store.GetStats(context.Background(), 3)
		require.NoError(mt, err)
		assert.EqualValues(mt, 4, stats.Total)
		assert.EqualValues(mt, 2, stats.Pending)
		assert.InDelta(mt, 150.0, stats.AvgFetchLatencyMs, 0.001)
		assert.EqualValues(mt, 3, stats.Recent[2].Errors)
		assert.Equal(mt, []crawler.ErrorCount{{Message: "timeout", Count: 3}}, stats.TopErrors)
	})
}

func TestOnlyDuplicateKeys(t *testing.T) {
	t.Parallel()

	dup := mongo.BulkWriteException{WriteErrors: []mongo.BulkWriteError{{WriteError: mongo.WriteError{Code: 11000}}}}
	assert.True(t, onlyDuplicateKeys(dup))
	other := mongo.BulkWriteException{WriteErrors: []mongo.BulkWriteError{{WriteError: mongo.WriteError{Code: 121}}}}
	assert.False(t, onlyDuplicateKeys(other))
	assert.False(t, onlyDuplicateKeys(fmt.Errorf("boom")))
}
