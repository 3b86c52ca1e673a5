package status_test

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/rueidis"
	"github.com/robalyx/followtrack/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, rueidis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)

	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  []string{mr.Addr()},
		DisableCache: true,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return mr, client
}

func TestReportStatus(t *testing.T) {
	t.Parallel()

	mr, client := setupRedis(t)
	monitor := status.NewMonitor(client, zap.NewNop())

	for _, s := range []status.Status{
		{WorkerID: "b", WorkerType: "session", SubType: "user", Progress: 50, IsHealthy: true},
		{WorkerID: "a", WorkerType: "downloader", SubType: "profiles", CurrentTask: "Looking up profiles"},
	} {
		require.NoError(t, monitor.ReportStatus(t.Context(), s))
	}

	ttl := mr.TTL("followtrack:worker:session:user:b")
	assert.Equal(t, status.HeartbeatTTL, ttl)

	statuses, err := monitor.GetAllStatuses(t.Context())
	require.NoError(t, err)
	require.Len(t, statuses, 2)

	assert.Equal(t, "downloader", statuses[0].WorkerType)
	assert.Equal(t, "Looking up profiles", statuses[0].CurrentTask)
	assert.False(t, statuses[0].IsHealthy)
	assert.Equal(t, 50, statuses[1].Progress)
	assert.False(t, statuses[1].IsStale(time.Now()))
	assert.True(t, statuses[1].IsStale(time.Now().Add(2*status.StaleThreshold)))
}

func TestGetAllStatusesSkipsInvalid(t *testing.T) {
	t.Parallel()

	mr, client := setupRedis(t)
	require.NoError(t, mr.Set("followtrack:worker:session:app:x", "not json"))
	require.NoError(t, mr.Set("other:key", "{}"))

	statuses, err := status.NewMonitor(client, zap.NewNop()).GetAllStatuses(t.Context())
	require.NoError(t, err)
	assert.Empty(t, statuses)
}

func TestReporter(t *testing.T) {
	t.Parallel()

	_, client := setupRedis(t)

	reporter := status.NewReporter(client, "session", "app", zap.NewNop())
	reporter.UpdateStatus("Scraping", 40)
	reporter.SetHealthy(false)

	reporter.Start(t.Context())
	defer reporter.Stop()

	monitor := status.NewMonitor(client, zap.NewNop())

	require.Eventually(t, func() bool {
		statuses, err := monitor.GetAllStatuses(t.Context())
		return err == nil && len(statuses) == 1
	}, 5*time.Second, 20*time.Millisecond)

	statuses, err := monitor.GetAllStatuses(t.Context())
	require.NoError(t, err)
	assert.Equal(t, reporter.WorkerID(), statuses[0].WorkerID)
	assert.Equal(t, "Scraping", statuses[0].CurrentTask)
	assert.Equal(t, 40, statuses[0].Progress)
	assert.False(t, statuses[0].IsHealthy)

	reporter.Stop()
	reporter.Stop()
}

func TestReporterWithoutClient(t *testing.T) {
	t.Parallel()

	reporter := status.NewReporter(nil, "downloader", "profiles", zap.NewNop())
	reporter.Start(t.Context())
	reporter.UpdateStatus("Idle", 0)
	reporter.Stop()

	assert.Equal(t, "Idle", reporter.Status().CurrentTask)
	assert.NotEmpty(t, reporter.WorkerID())
}
