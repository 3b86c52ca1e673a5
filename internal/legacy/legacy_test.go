package legacy_test

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/robalyx/followtrack/internal/batch"
	"github.com/robalyx/followtrack/internal/legacy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixture writes legacy files under a temporary base directory.
type fixture struct {
	t    *testing.T
	base string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{t: t, base: t.TempDir()}
}

func (f *fixture) dir(userID uint64, side string) string {
	f.t.Helper()

	dir := filepath.Join(f.base, padID(userID), side)
	require.NoError(f.t, os.MkdirAll(dir, 0o755))

	return dir
}

func padID(id uint64) string {
	value := strconv.FormatUint(id, 10)
	for len(value) < 20 {
		value = "0" + value
	}

	return value
}

func (f *fixture) full(userID uint64, side string, timestamp int64, ids ...uint64) {
	f.t.Helper()

	sorted := slices.Sorted(slices.Values(ids))

	buf := binary.AppendUvarint(nil, uint64(len(sorted)))

	var last uint64
	for _, id := range sorted {
		buf = binary.AppendUvarint(buf, id-last)
		last = id
	}

	file, err := os.Create(filepath.Join(f.dir(userID, side), strconv.FormatInt(timestamp, 10)+".gz"))
	require.NoError(f.t, err)

	writer := gzip.NewWriter(file)
	_, err = writer.Write(buf)
	require.NoError(f.t, err)
	require.NoError(f.t, writer.Close())
	require.NoError(f.t, file.Close())
}

func (f *fixture) update(userID uint64, side string, timestamp int64, content string) {
	f.t.Helper()

	path := filepath.Join(f.dir(userID, side), strconv.FormatInt(timestamp, 10)+".txt")
	require.NoError(f.t, os.WriteFile(path, []byte(content), 0o644))
}

func collect(t *testing.T, base string) []*batch.Batch {
	t.Helper()

	var batches []*batch.Batch
	for b, err := range legacy.Batches(base) {
		require.NoError(t, err)
		batches = append(batches, b)
	}

	return batches
}

func TestBatches(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.full(7, legacy.FollowersDirName, 1000, 30, 10, 20)
	f.full(7, legacy.FollowingDirName, 1000, 5)
	f.update(7, legacy.FollowersDirName, 3000, "40\n-10\n")
	f.full(3, legacy.FollowersDirName, 2000, 1)
	f.update(3, legacy.FollowersDirName, 3000, "-1\n")

	batches := collect(t, f.base)
	require.Len(t, batches, 4)

	assert.Equal(t, batch.New(time.Unix(1000, 0), 7,
		&batch.Change{AdditionIDs: []uint64{10, 20, 30}},
		&batch.Change{AdditionIDs: []uint64{5}}), batches[0])

	assert.Equal(t, uint64(3), batches[1].UserID)
	assert.Nil(t, batches[1].FollowedChange)

	assert.Equal(t, uint64(3), batches[2].UserID)
	assert.Equal(t, []uint64{1}, batches[2].FollowerChange.RemovalIDs)

	assert.Equal(t, batch.New(time.Unix(3000, 0), 7,
		&batch.Change{AdditionIDs: []uint64{40}, RemovalIDs: []uint64{10}}, nil), batches[3])
}

func TestListErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(f *fixture)
		want  error
	}{
		{
			name: "non numeric user directory",
			setup: func(f *fixture) {
				require.NoError(t, os.MkdirAll(filepath.Join(f.base, "abc"), 0o755))
			},
			want: legacy.ErrInvalidUserDirectory,
		},
		{
			name: "update before full",
			setup: func(f *fixture) {
				f.update(1, legacy.FollowersDirName, 100, "1\n")
			},
			want: legacy.ErrInvalidBatchFile,
		},
		{
			name: "second full",
			setup: func(f *fixture) {
				f.full(1, legacy.FollowersDirName, 100, 1)
				f.full(1, legacy.FollowersDirName, 200, 2)
			},
			want: legacy.ErrInvalidBatchFile,
		},
		{
			name: "non numeric file",
			setup: func(f *fixture) {
				path := filepath.Join(f.dir(1, legacy.FollowingDirName), "latest.gz")
				require.NoError(t, os.WriteFile(path, nil, 0o644))
			},
			want: legacy.ErrInvalidBatchFile,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			tt.setup(f)

			_, err := legacy.List(f.base)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestInvalidUpdateLine(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.full(1, legacy.FollowersDirName, 100, 1)
	f.update(1, legacy.FollowersDirName, 200, "2\n+3\n")

	var err error
	for _, err = range legacy.Batches(f.base) {
		if err != nil {
			break
		}
	}

	require.ErrorIs(t, err, legacy.ErrInvalidUpdateLine)
}

func TestDeduplicateRemovals(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.full(1, legacy.FollowersDirName, 100, 10, 11)
	f.update(1, legacy.FollowersDirName, 200, "-10\n")
	f.update(1, legacy.FollowersDirName, 300, "-10\n-11\n12\n")
	f.update(1, legacy.FollowersDirName, 400, "-99\n")

	var batches []*batch.Batch
	for b, err := range legacy.DeduplicateRemovals(legacy.Batches(f.base)) {
		require.NoError(t, err)
		batches = append(batches, b)
	}

	require.Len(t, batches, 4)
	assert.Equal(t, []uint64{10}, batches[1].FollowerChange.RemovalIDs)
	assert.Equal(t, []uint64{11}, batches[2].FollowerChange.RemovalIDs)
	assert.Equal(t, []uint64{12}, batches[2].FollowerChange.AdditionIDs)
	assert.True(t, batches[3].FollowerChange.IsEmpty())
	assert.Nil(t, batches[3].FollowedChange)
}

func TestPartitionDates(t *testing.T) {
	t.Parallel()

	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	input := []*batch.Batch{
		batch.New(day.Add(time.Hour), 1, nil, nil),
		batch.New(day.Add(2*time.Hour), 2, nil, nil),
		batch.New(day.Add(25*time.Hour), 1, nil, nil),
		batch.New(day.Add(72*time.Hour), 3, nil, nil),
	}

	seq := func(yield func(*batch.Batch, error) bool) {
		for _, b := range input {
			if !yield(b, nil) {
				return
			}
		}
	}

	var dates []string
	var sizes []int

	for group, err := range legacy.PartitionDates(seq) {
		require.NoError(t, err)
		dates = append(dates, group.Date)
		sizes = append(sizes, len(group.Batches))
	}

	assert.Equal(t, []string{"2024-03-01", "2024-03-02", "2024-03-04"}, dates)
	assert.Equal(t, []int{2, 1, 1}, sizes)
}
