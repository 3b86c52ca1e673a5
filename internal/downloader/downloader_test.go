package downloader_test

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/robalyx/followtrack/internal/age"
	"github.com/robalyx/followtrack/internal/deactivation"
	"github.com/robalyx/followtrack/internal/downloader"
	"github.com/robalyx/followtrack/internal/twitter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClient struct {
	mu        sync.Mutex
	calls     int
	rateLimit int
	results   func(ids []uint64) []twitter.ProfileResult
}

func (c *fakeClient) LookupProfiles(_ context.Context, ids []uint64) ([]twitter.ProfileResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls++
	if c.calls <= c.rateLimit {
		return nil, &twitter.RateLimitError{Endpoint: "/1.1/users/lookup.json", Reset: time.Now().Add(-time.Second)}
	}

	return c.results(ids), nil
}

// profilesExcept returns a profile for every id except the listed status codes and omitted ids.
func profilesExcept(codes map[uint64]int, omitted ...uint64) func([]uint64) []twitter.ProfileResult {
	return func(ids []uint64) []twitter.ProfileResult {
		var results []twitter.ProfileResult

	outer:
		for _, id := range ids {
			for _, skip := range omitted {
				if id == skip {
					continue outer
				}
			}

			if code, ok := codes[id]; ok {
				results = append(results, twitter.ProfileResult{ID: id, StatusCode: code})
				continue
			}

			results = append(results, twitter.ProfileResult{ID: id, Profile: twitter.Profile{
				"id_str":      formatID(id),
				"screen_name": "user" + formatID(id),
			}})
		}

		return results
	}
}

func formatID(id uint64) string {
	return string(rune('0' + id))
}

type env struct {
	schedule *age.Store
	ledger   *deactivation.File
	output   string
	config   downloader.Config
}

func newEnv(t *testing.T, ids ...uint64) *env {
	t.Helper()

	dir := t.TempDir()

	schedule, err := age.Open(filepath.Join(dir, "schedule.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = schedule.Close()
	})

	for _, id := range ids {
		require.NoError(t, schedule.InsertOrUpdate(id, time.Time{}, 24*time.Hour))
	}

	ledger, err := deactivation.Open(filepath.Join(dir, "deactivations.csv"))
	require.NoError(t, err)

	output := filepath.Join(dir, "profiles")
	require.NoError(t, os.MkdirAll(output, 0o755))

	return &env{
		schedule: schedule,
		ledger:   ledger,
		output:   output,
		config: downloader.Config{
			OutputDir:         output,
			BatchSize:         10,
			FallbackTargetAge: 24 * time.Hour,
		},
	}
}

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	var lines []map[string]any

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var line map[string]any
		require.NoError(t, sonic.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}

	require.NoError(t, scanner.Err())

	return lines
}

func TestRunBatch(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 1, 2, 3, 4, 5)
	client := &fakeClient{results: profilesExcept(map[uint64]int{3: twitter.CodeUserNotFound, 5: twitter.CodeUserSuspended}, 4)}

	d := downloader.New(client, e.schedule, e.ledger, e.config, zap.NewNop())

	result, err := d.RunBatch(t.Context(), 10)
	require.NoError(t, err)
	assert.Equal(t, 5, result.Leased)
	assert.Equal(t, 2, result.Profiles)
	assert.Equal(t, 2, result.Deactivations)

	lines := readLines(t, result.OutputPath)
	require.Len(t, lines, 2)
	assert.Equal(t, "1", lines[0]["id_str"])
	assert.Equal(t, "2", lines[1]["id_str"])
	assert.Contains(t, lines[0], downloader.SnapshotField)

	entry, found, err := e.schedule.Get(1)
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, entry.LastObserved.IsZero())
	assert.True(t, entry.LeaseStarted.IsZero())

	_, found, err = e.schedule.Get(3)
	require.NoError(t, err)
	assert.False(t, found)

	entry, found, err = e.schedule.Get(4)
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, entry.LeaseStarted.IsZero())

	status, ok := e.ledger.Status(5)
	require.True(t, ok)
	assert.Equal(t, twitter.CodeUserSuspended, status)

	reopened, err := deactivation.Open(filepath.Join(filepath.Dir(e.output), "deactivations.csv"))
	require.NoError(t, err)
	assert.Len(t, reopened.CurrentDeactivated(0), 2)

	t.Run("leased and finished ids are not returned again", func(t *testing.T) {
		result, err := d.RunBatch(t.Context(), 10)
		require.NoError(t, err)
		assert.Zero(t, result.Leased)
		assert.Empty(t, result.OutputPath)
	})
}

func TestRunBatchWaitsOutRateLimit(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 1, 2)
	client := &fakeClient{rateLimit: 2, results: profilesExcept(nil)}

	d := downloader.New(client, e.schedule, e.ledger, e.config, zap.NewNop())

	result, err := d.RunBatch(t.Context(), 10)
	require.NoError(t, err)
	assert.Equal(t, 3, client.calls)
	assert.Equal(t, 2, result.Profiles)
	assert.Zero(t, result.Deactivations)
	assert.Zero(t, e.ledger.Log().Len())
}

func TestRunBatchSnapshotCollision(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 1)
	client := &fakeClient{results: func(ids []uint64) []twitter.ProfileResult {
		return []twitter.ProfileResult{{ID: 1, Profile: twitter.Profile{"id_str": "1", "snapshot": 5}}}
	}}

	d := downloader.New(client, e.schedule, e.ledger, e.config, zap.NewNop())

	_, err := d.RunBatch(t.Context(), 10)
	require.ErrorIs(t, err, downloader.ErrSnapshotCollision)

	entry, _, err := e.schedule.Get(1)
	require.NoError(t, err)
	assert.True(t, entry.LastObserved.IsZero())

	files, err := os.ReadDir(e.output)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestStartStopsOnCancel(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 1)
	e.config.IdleInterval = time.Hour

	client := &fakeClient{results: profilesExcept(nil)}
	d := downloader.New(client, e.schedule, e.ledger, e.config, zap.NewNop())

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})

	go func() {
		defer close(done)
		d.Start(ctx)
	}()

	require.Eventually(t, func() bool {
		entry, _, err := e.schedule.Get(1)
		return err == nil && !entry.LastObserved.IsZero()
	}, 5*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("downloader did not stop")
	}
}
