package age_test

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/robalyx/followtrack/internal/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

var start = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T) (*age.Store, *clock) {
	t.Helper()

	c := &clock{now: start}

	store, err := age.Open(filepath.Join(t.TempDir(), "schedule.db"), zap.NewNop(), age.WithClock(c.Now))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = store.Close()
	})

	return store, c
}

func TestUrgentBeforeScheduled(t *testing.T) {
	t.Parallel()

	store, _ := openStore(t)

	// B is known and due an hour from now; A has never been observed
	require.NoError(t, store.InsertOrUpdate(2, start.Add(-time.Hour), time.Hour))
	require.NoError(t, store.InsertOrUpdate(2, start, time.Hour))
	require.NoError(t, store.Prioritize(1, time.Hour))

	ids, err := store.GetNext(1, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, ids)

	entry, found, err := store.Get(2)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, start.Add(time.Hour), entry.NextDue)
	assert.Equal(t, start, entry.LastObserved)
}

func TestInsertOrUpdate(t *testing.T) {
	t.Parallel()

	store, _ := openStore(t)

	require.NoError(t, store.InsertOrUpdate(5, start, 6*time.Hour))

	entry, found, err := store.Get(5)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, entry.NextDue.IsZero())
	assert.Equal(t, start, entry.LastObserved)
	assert.Equal(t, 6*time.Hour, entry.TargetAge)

	require.NoError(t, store.InsertOrUpdate(5, start, 24*time.Hour))

	entry, _, err = store.Get(5)
	require.NoError(t, err)
	assert.Equal(t, start.Add(24*time.Hour), entry.NextDue)
	assert.Equal(t, 24*time.Hour, entry.TargetAge)

	entries, err := store.DumpNext(0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestGetNextOrderAndSkips(t *testing.T) {
	t.Parallel()

	store, c := openStore(t)

	require.NoError(t, store.InsertOrUpdate(10, start.Add(-48*time.Hour), time.Hour))
	require.NoError(t, store.InsertOrUpdate(10, start.Add(-48*time.Hour), time.Hour))
	require.NoError(t, store.InsertOrUpdate(20, start.Add(-time.Hour), time.Hour))
	require.NoError(t, store.InsertOrUpdate(20, start.Add(-time.Hour), time.Hour))
	require.NoError(t, store.Prioritize(30, time.Hour))

	t.Run("priority order", func(t *testing.T) {
		entries, err := store.DumpNext(0)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, uint64(30), entries[0].ID)
		assert.Equal(t, uint64(10), entries[1].ID)
		assert.Equal(t, uint64(20), entries[2].ID)
	})

	t.Run("recently observed ids are skipped", func(t *testing.T) {
		ids, err := store.GetNext(10, 6*time.Hour, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, []uint64{30, 10}, ids)
	})

	t.Run("running leases are skipped", func(t *testing.T) {
		ids, err := store.GetNext(10, 6*time.Hour, time.Hour)
		require.NoError(t, err)
		assert.Empty(t, ids)

		status, err := store.QueueStatus()
		require.NoError(t, err)
		assert.Equal(t, 3, status.Total)
		assert.Equal(t, 2, status.Leased)
		assert.Equal(t, 1, status.Urgent)
	})

	t.Run("expired leases are returned again", func(t *testing.T) {
		c.Advance(2 * time.Hour)

		ids, err := store.GetNext(1, 6*time.Hour, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, []uint64{30}, ids)
	})
}

func TestFinishDelaysNextLease(t *testing.T) {
	t.Parallel()

	store, c := openStore(t)
	minAge := 6 * time.Hour

	require.NoError(t, store.Prioritize(1, 24*time.Hour))

	ids, err := store.GetNext(1, minAge, time.Minute)
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, ids)

	require.NoError(t, store.Finish(1, time.Hour))

	entry, _, err := store.Get(1)
	require.NoError(t, err)
	assert.Equal(t, start.Add(24*time.Hour), entry.NextDue)
	assert.Equal(t, start, entry.LastObserved)
	assert.True(t, entry.LeaseStarted.IsZero())

	// Prioritizing moves the entry to the front but min age still applies
	require.NoError(t, store.Prioritize(1, time.Hour))

	c.Advance(minAge - time.Second)

	ids, err = store.GetNext(1, minAge, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, ids)

	c.Advance(time.Second)

	ids, err = store.GetNext(1, minAge, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, ids)
}

func TestFinishUnknownUsesFallback(t *testing.T) {
	t.Parallel()

	store, _ := openStore(t)

	require.NoError(t, store.Finish(7, 3*time.Hour))

	entry, found, err := store.Get(7)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, start.Add(3*time.Hour), entry.NextDue)
	assert.Equal(t, 3*time.Hour, entry.TargetAge)
}

func TestDelete(t *testing.T) {
	t.Parallel()

	store, _ := openStore(t)

	require.NoError(t, store.Prioritize(1, time.Hour))

	deleted, err := store.Delete(1)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = store.Delete(1)
	require.NoError(t, err)
	assert.False(t, deleted)

	entries, err := store.DumpNext(0)
	require.NoError(t, err)
	assert.Empty(t, entries)

	ids, err := store.GetNext(5, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestConcurrentGetNextDoesNotOverlap(t *testing.T) {
	t.Parallel()

	store, _ := openStore(t)

	for id := range uint64(50) {
		require.NoError(t, store.Prioritize(id+1, time.Hour))
	}

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		seen = make(map[uint64]int)
	)

	for range 5 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			ids, err := store.GetNext(10, 0, time.Hour)
			assert.NoError(t, err)

			mu.Lock()
			defer mu.Unlock()

			for _, id := range ids {
				seen[id]++
			}
		}()
	}

	wg.Wait()

	assert.Len(t, seen, 50)
	for id, count := range seen {
		assert.Equal(t, 1, count, "id %d leased more than once", id)
	}
}

func TestInvalidTimestamp(t *testing.T) {
	t.Parallel()

	store, _ := openStore(t)

	err := store.InsertOrUpdate(1, time.Unix(1<<33, 0), time.Hour)
	require.ErrorIs(t, err, age.ErrInvalidTimestamp)
}
