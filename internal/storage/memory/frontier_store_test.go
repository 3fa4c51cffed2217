package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/article-frontier/internal/clock"
	"github.com/JakeFAU/article-frontier/internal/crawler"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestClaimAndLockMutualExclusion(t *testing.T) {
	t.Parallel()

	store := NewFrontierStore()
	ctx := context.Background()
	seeds := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		seeds = append(seeds, fmt.Sprintf("https://site%d.example.com/page", i))
	}
	inserted, err := store.InitTables(ctx, seeds, false)
	require.NoError(t, err)
	require.Equal(t, 50, inserted)

	var (
		mu      sync.Mutex
		claimed = make(map[string]string)
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				entry, err := store.ClaimAndLock(ctx, worker, 3)
				if errors.Is(err, crawler.ErrFrontierExhausted) {
					return
				}
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				prev, dup := claimed[entry.ID]
				claimed[entry.ID] = worker
				mu.Unlock()
				assert.False(t, dup, "entry %s claimed by %s and %s", entry.ID, prev, worker)
			}
		}(fmt.Sprintf("worker-%d", w))
	}
	wg.Wait()
	assert.Len(t, claimed, 50)
}

func TestClaimAndLockStaleRecovery(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(epoch)
	store := NewFrontierStore(WithClock(clk))
	ctx := context.Background()
	_, err := store.InitTables(ctx, []string{"https://example.com/a"}, false)
	require.NoError(t, err)

	first, err := store.ClaimAndLock(ctx, "w1", 3)
	require.NoError(t, err)
	require.NotNil(t, first.LockedByWorkerID)
	assert.Equal(t, "w1", *first.LockedByWorkerID)
	assert.Equal(t, crawler.LockClaimedFresh, first.LockStateAt(clk.Now(), crawler.DefaultStaleLockTimeout))

	clk.Advance(59 * time.Second)
	_, err = store.ClaimAndLock(ctx, "w2", 3)
	require.ErrorIs(t, err, crawler.ErrFrontierExhausted)

	clk.Advance(2 * time.Second)
	second, err := store.ClaimAndLock(ctx, "w2", 3)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "w2", *second.LockedByWorkerID)
	assert.Equal(t, clk.Now(), *second.LockedAt)
}

func TestInitTablesIdempotent(t *testing.T) {
	t.Parallel()

	store := NewFrontierStore()
	ctx := context.Background()
	seeds := []string{"https://a.com/", "https://b.com/x", "https://a.com"}

	n, err := store.InitTables(ctx, seeds, false)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = store.InitTables(ctx, seeds, false)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	stats, err := store.GetStats(ctx, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Total)

	n, err = store.InitTables(ctx, []string{"https://c.com"}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	stats, err = store.GetStats(ctx, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Total)
}

func TestRetryBound(t *testing.T) {
	t.Parallel()

	store := NewFrontierStore()
	ctx := context.Background()
	_, err := store.InitTables(ctx, []string{"https://example.com"}, false)
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		entry, err := store.ClaimAndLock(ctx, "w1", 2)
		require.NoError(t, err)
		require.NoError(t, store.PropagateError(ctx, entry.ID, "w1", "http status 500 Internal Server Error"))
		got, err := store.Lookup("https://example.com")
		require.NoError(t, err)
		assert.Equal(t, attempt, got.NumRetries)
		assert.Len(t, got.Errors, attempt)
		assert.Nil(t, got.LockedByWorkerID)
		assert.NotNil(t, got.LastErrorAt)
	}

	_, err = store.ClaimAndLock(ctx, "w1", 2)
	require.ErrorIs(t, err, crawler.ErrFrontierExhausted)

	stats, err := store.GetStats(ctx, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Exhausted)
	assert.EqualValues(t, 2, stats.TotalErrors)
	require.Len(t, stats.TopErrors, 1)
	assert.EqualValues(t, 2, stats.TopErrors[0].Count)

	// A higher ceiling makes the entry claimable again.
	_, err = store.ClaimAndLock(ctx, "w1", 3)
	require.NoError(t, err)
}

func TestReleaseLockKeepsRetryState(t *testing.T) {
	t.Parallel()

	store := NewFrontierStore()
	ctx := context.Background()
	_, err := store.InitTables(ctx, []string{"https://example.com/a"}, false)
	require.NoError(t, err)

	entry, err := store.ClaimAndLock(ctx, "w1", 3)
	require.NoError(t, err)
	require.NoError(t, store.ReleaseLock(ctx, entry.ID, "w1"))

	got, err := store.Lookup("https://example.com/a")
	require.NoError(t, err)
	assert.Zero(t, got.NumRetries)
	assert.Empty(t, got.Errors)
	assert.Nil(t, got.LockedAt)

	again, err := store.ClaimAndLock(ctx, "w2", 3)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, again.ID)
}

func TestTrailingSlashCollapses(t *testing.T) {
	t.Parallel()

	store := NewFrontierStore()
	ctx := context.Background()
	n, err := store.InsertDiscovered(ctx, []crawler.NewEntry{{URL: "https://x.com/p/"}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = store.InsertDiscovered(ctx, []crawler.NewEntry{{URL: "https://x.com/p"}})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	missing, err := store.FilterExisting(ctx, []string{"https://x.com/p", "https://x.com/p/", "https://x.com/q"})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://x.com/q"}, missing)
}

func TestClaimRespectsPriorityAndBlocklist(t *testing.T) {
	t.Parallel()

	store := NewFrontierStore()
	ctx := context.Background()
	_, err := store.InsertDiscovered(ctx, []crawler.NewEntry{
		{URL: "https://news.example.com/deep", Priority: 2},
		{URL: "https://spam.example.org/top", Priority: 0},
		{URL: "https://news.example.com/top", Priority: 1},
	})
	require.NoError(t, err)
	require.NoError(t, store.LoadBlockedDomains(ctx, []crawler.BlockedDomain{{Domain: "example.org", Reason: "spam"}}))

	first, err := store.ClaimAndLock(ctx, "w1", 3)
	require.NoError(t, err)
	assert.Equal(t, "https://news.example.com/top", first.URL)

	second, err := store.ClaimAndLock(ctx, "w1", 3)
	require.NoError(t, err)
	assert.Equal(t, "https://news.example.com/deep", second.URL)

	_, err = store.ClaimAndLock(ctx, "w1", 3)
	require.ErrorIs(t, err, crawler.ErrFrontierExhausted)

	rows, err := store.ListBlockedDomains(ctx)
	require.NoError(t, err)
	assert.Equal(t, []crawler.BlockedDomain{{Domain: "example.org", Reason: "spam"}}, rows)
}

func TestMarkDoneAndListFetched(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(epoch)
	store := NewFrontierStore(WithClock(clk))
	ctx := context.Background()
	_, err := store.InitTables(ctx, []string{"https://a.com/1", "https://a.com/2"}, false)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		entry, err := store.ClaimAndLock(ctx, "w1", 3)
		require.NoError(t, err)
		clk.Advance(time.Second)
		require.NoError(t, store.MarkDone(ctx, entry.ID, "w1", "file:///tmp/"+entry.ID, 250*time.Millisecond))
	}

	fetched, err := store.ListFetched(ctx, 10)
	require.NoError(t, err)
	require.Len(t, fetched, 2)
	assert.True(t, fetched[0].DateFinished.After(*fetched[1].DateFinished))
	for _, e := range fetched {
		assert.True(t, e.Done)
		assert.Nil(t, e.LockedByWorkerID)
		require.NotNil(t, e.FetchDurationMs)
		assert.EqualValues(t, 250, *e.FetchDurationMs)
		require.NotNil(t, e.StoragePath)
	}

	limited, err := store.ListFetched(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	_, err = store.ClaimAndLock(ctx, "w1", 3)
	require.ErrorIs(t, err, crawler.ErrFrontierExhausted)

	stats, err := store.GetStats(ctx, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Done)
	assert.InDelta(t, 250.0, stats.AvgFetchLatencyMs, 0.001)
}

func TestUnknownIDs(t *testing.T) {
	t.Parallel()

	store := NewFrontierStore()
	ctx := context.Background()
	assert.ErrorIs(t, store.MarkDone(ctx, "missing", "w1", "", 0), crawler.ErrNotFound)
	assert.ErrorIs(t, store.PropagateError(ctx, "missing", "w1", "boom"), crawler.ErrNotFound)
	assert.ErrorIs(t, store.ReleaseLock(ctx, "missing", "w1"), crawler.ErrNotFound)
}

func TestWritesRequireLockHolder(t *testing.T) {
	t.Parallel()

	store := NewFrontierStore()
	ctx := context.Background()
	_, err := store.InitTables(ctx, []string{"https://example.com/a"}, false)
	require.NoError(t, err)

	entry, err := store.ClaimAndLock(ctx, "w1", 3)
	require.NoError(t, err)
	assert.ErrorIs(t, store.MarkDone(ctx, entry.ID, "w2", "file:///x", 0), crawler.ErrLockLost)
	assert.ErrorIs(t, store.PropagateError(ctx, entry.ID, "w2", "boom"), crawler.ErrLockLost)
	assert.ErrorIs(t, store.ReleaseLock(ctx, entry.ID, "w2"), crawler.ErrLockLost)

	require.NoError(t, store.ReleaseLock(ctx, entry.ID, "w1"))
	assert.ErrorIs(t, store.ReleaseLock(ctx, entry.ID, "w1"), crawler.ErrLockLost, "an unlocked row has no holder")
}

func TestLateWriteAfterTakeoverKeepsNewClaim(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(epoch)
	store := NewFrontierStore(WithClock(clk))
	ctx := context.Background()
	_, err := store.InitTables(ctx, []string{"https://example.com/slow"}, false)
	require.NoError(t, err)

	first, err := store.ClaimAndLock(ctx, "A", 3)
	require.NoError(t, err)

	clk.Advance(crawler.DefaultStaleLockTimeout + time.Second)
	second, err := store.ClaimAndLock(ctx, "B", 3)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	require.ErrorIs(t, store.PropagateError(ctx, first.ID, "A", "timeout"), crawler.ErrLockLost)
	require.ErrorIs(t, store.MarkDone(ctx, first.ID, "A", "file:///late", time.Second), crawler.ErrLockLost)

	clk.Advance(time.Second)
	_, err = store.ClaimAndLock(ctx, "C", 3)
	require.ErrorIs(t, err, crawler.ErrFrontierExhausted, "B still holds a fresh lock")

	got, err := store.Lookup("https://example.com/slow")
	require.NoError(t, err)
	require.NotNil(t, got.LockedByWorkerID)
	assert.Equal(t, "B", *got.LockedByWorkerID)
	assert.Zero(t, got.NumRetries)
	assert.False(t, got.Done)

	require.NoError(t, store.MarkDone(ctx, second.ID, "B", "file:///done", time.Second))
}

func TestClaimHonoursContext(t *testing.T) {
	t.Parallel()

	store := NewFrontierStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := store.ClaimAndLock(ctx, "w1", 3)
	require.ErrorIs(t, err, context.Canceled)
}
