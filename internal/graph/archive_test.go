package graph_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/robalyx/followtrack/internal/batch"
	"github.com/robalyx/followtrack/internal/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	dayOne   = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	dayTwo   = time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)
	dayThree = time.Date(2024, 3, 3, 9, 0, 0, 0, time.UTC)
)

func writePastFile(t *testing.T, dir, date string, batches ...*batch.Batch) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Join(dir, graph.PastDirName), 0o755))

	file, err := os.Create(filepath.Join(dir, graph.PastDirName, date+graph.PastFileExt))
	require.NoError(t, err)
	defer file.Close()

	encoder, err := zstd.NewWriter(file)
	require.NoError(t, err)

	_, err = batch.NewWriter(encoder).WriteAll(batches)
	require.NoError(t, err)
	require.NoError(t, encoder.Close())
}

func TestArchive(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c := newClock(dayOne)
	store := openStore(t, dir, c)

	write(t, store, batch.New(dayOne, 7, &batch.Change{AdditionIDs: []uint64{1, 2, 3}}, nil))
	write(t, store, batch.New(dayOne.Add(time.Hour), 8, nil, &batch.Change{AdditionIDs: []uint64{7}}))

	c.Set(dayTwo)
	write(t, store, batch.New(dayTwo, 7, &batch.Change{RemovalIDs: []uint64{2}}, nil))

	archived, err := store.Archive()
	require.NoError(t, err)
	assert.Equal(t, 2, archived)

	dates, err := store.PastDates()
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-03-01"}, dates)

	current, err := store.CurrentBatches()
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, dayTwo, current[0].Timestamp)

	t.Run("second archive is a no-op", func(t *testing.T) {
		archived, err := store.Archive()
		require.NoError(t, err)
		assert.Zero(t, archived)
	})

	t.Run("appends continue after archive", func(t *testing.T) {
		write(t, store, batch.New(dayTwo.Add(time.Minute), 8, nil, &batch.Change{AdditionIDs: []uint64{9}}))

		current, err := store.CurrentBatches()
		require.NoError(t, err)
		assert.Len(t, current, 2)
	})

	require.NoError(t, store.Validate())

	var past []graph.PastBatch
	for entry, err := range store.PastBatches() {
		require.NoError(t, err)
		past = append(past, entry)
	}

	require.Len(t, past, 2)
	assert.Equal(t, "2024-03-01", past[0].Date)
	assert.Equal(t, uint64(7), past[0].Batch.UserID)
	assert.Equal(t, uint64(8), past[1].Batch.UserID)

	wantFollowers := store.AllFollowers()
	wantFollowing := store.AllFollowing()
	require.NoError(t, store.Close())

	reopened := openStore(t, dir, c)
	assert.Equal(t, wantFollowers, reopened.AllFollowers())
	assert.Equal(t, wantFollowing, reopened.AllFollowing())

	followers, _ := reopened.Followers(7)
	assert.Equal(t, []uint64{1, 3}, followers)
}

func TestArchiveCollision(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c := newClock(dayOne)
	store := openStore(t, dir, c)

	write(t, store, batch.New(dayOne, 7, &batch.Change{AdditionIDs: []uint64{1}}, nil))
	write(t, store, batch.New(dayTwo, 7, &batch.Change{AdditionIDs: []uint64{2}}, nil))

	require.NoError(t, os.WriteFile(filepath.Join(dir, graph.PastDirName, "2024-03-02"+graph.PastFileExt), nil, 0o644))

	c.Set(dayThree)

	_, err := store.Archive()
	require.ErrorIs(t, err, graph.ErrPastFileCollision)

	var collision *graph.PastFileCollisionError
	require.ErrorAs(t, err, &collision)
	assert.Contains(t, collision.Path, "2024-03-02")

	// Nothing is written before every target has been checked
	_, err = os.Stat(filepath.Join(dir, graph.PastDirName, "2024-03-01"+graph.PastFileExt))
	require.ErrorIs(t, err, os.ErrNotExist)

	current, err := store.CurrentBatches()
	require.NoError(t, err)
	assert.Len(t, current, 2)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	t.Run("current file holds a previous day", func(t *testing.T) {
		t.Parallel()

		c := newClock(dayOne)
		store := openStore(t, t.TempDir(), c)

		write(t, store, batch.New(dayOne, 7, &batch.Change{AdditionIDs: []uint64{1}}, nil))
		require.NoError(t, store.Validate())

		c.Set(dayTwo)
		err := store.Validate()
		require.ErrorIs(t, err, graph.ErrNotToday)
		require.ErrorIs(t, err, graph.ErrInvalidBatch)
	})

	t.Run("batch outside its file date", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		writePastFile(t, dir, "2024-03-02", batch.New(dayOne, 7, &batch.Change{AdditionIDs: []uint64{1}}, nil))

		store := openStore(t, dir, newClock(dayThree))

		err := store.Validate()
		require.ErrorIs(t, err, graph.ErrWrongDate)

		var invalid *graph.InvalidBatchError
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, "2024-03-02", invalid.FileDate)
	})

	t.Run("past batches out of order", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		writePastFile(t, dir, "2024-03-01",
			batch.New(dayOne.Add(time.Hour), 8, &batch.Change{AdditionIDs: []uint64{1}}, nil),
			batch.New(dayOne, 7, &batch.Change{AdditionIDs: []uint64{1}}, nil),
		)

		store := openStore(t, dir, newClock(dayThree))
		require.ErrorIs(t, store.Validate(), graph.ErrOutOfOrder)
	})
}

func TestOpenRejectsInvalidPastFileName(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, graph.PastDirName), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, graph.PastDirName, "notes.txt"), nil, 0o644))

	_, err := graph.Open(dir, zap.NewNop())
	require.ErrorIs(t, err, graph.ErrInvalidPastFile)
}

func TestImportPast(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c := newClock(dayThree)
	store := openStore(t, dir, c)

	count, err := store.ImportPast("2024-03-01", []*batch.Batch{
		batch.New(dayOne, 7, &batch.Change{AdditionIDs: []uint64{1, 2}}, nil),
		batch.New(dayOne.Add(time.Hour), 7, &batch.Change{RemovalIDs: []uint64{1}}, nil),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	followers, ok := store.Followers(7)
	require.True(t, ok)
	assert.Equal(t, []uint64{2}, followers)

	t.Run("rejects dates that do not advance", func(t *testing.T) {
		_, err := store.ImportPast("2024-03-01", []*batch.Batch{batch.New(dayOne, 8, nil, nil)})
		require.ErrorIs(t, err, graph.ErrOutOfOrder)
	})

	t.Run("rejects today", func(t *testing.T) {
		_, err := store.ImportPast("2024-03-03", []*batch.Batch{batch.New(dayThree, 8, nil, nil)})
		require.ErrorIs(t, err, graph.ErrInvalidPastFile)
	})

	t.Run("rejects batches from another date", func(t *testing.T) {
		_, err := store.ImportPast("2024-03-02", []*batch.Batch{batch.New(dayOne, 8, nil, nil)})
		require.ErrorIs(t, err, graph.ErrWrongDate)
	})

	require.NoError(t, store.Validate())

	reopened, err := graph.Open(dir, zap.NewNop(), graph.WithClock(c.Now))
	require.NoError(t, err)
	defer reopened.Close()

	followers, ok = reopened.Followers(7)
	require.True(t, ok)
	assert.Equal(t, []uint64{2}, followers)
}
