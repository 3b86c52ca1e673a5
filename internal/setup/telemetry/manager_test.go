package telemetry_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/robalyx/followtrack/internal/setup/config"
	"github.com/robalyx/followtrack/internal/setup/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerRotatesSessions(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	workerDir := filepath.Join(base, "worker")

	for _, name := range []string{"2020-01-01_00-00-00", "2020-01-02_00-00-00", "2020-01-03_00-00-00"} {
		require.NoError(t, os.MkdirAll(filepath.Join(workerDir, name), 0o755))
	}

	manager := telemetry.NewManager(telemetry.ServiceWorker, base, &config.Debug{
		LogLevel:      "info",
		MaxLogsToKeep: 3,
	})
	t.Cleanup(manager.Stop)

	logger, err := manager.GetLogger()
	require.NoError(t, err)
	logger.Info("started")
	require.NoError(t, logger.Sync())

	entries, err := os.ReadDir(workerDir)
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}

	require.Len(t, names, 3)
	assert.Equal(t, []string{"2020-01-02_00-00-00", "2020-01-03_00-00-00"}, names[:2])
	assert.Equal(t, filepath.Join(workerDir, names[2]), manager.GetCurrentSessionDir())

	data, err := os.ReadFile(filepath.Join(manager.GetCurrentSessionDir(), "main.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "started")
	assert.Contains(t, string(data), manager.GetInstanceID())
}

func TestWorkerLogger(t *testing.T) {
	t.Parallel()

	manager := telemetry.NewManager(telemetry.ServiceStore, t.TempDir(), &config.Debug{LogLevel: "warn"})
	t.Cleanup(manager.Stop)

	logger := manager.GetWorkerLogger("session_app")
	logger.Info("hidden")
	logger.Warn("shown")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(filepath.Join(manager.GetCurrentSessionDir(), "session_app.log"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "shown")
}

func TestInvalidLevel(t *testing.T) {
	t.Parallel()

	manager := telemetry.NewManager(telemetry.ServiceExport, t.TempDir(), &config.Debug{LogLevel: "loud"})
	t.Cleanup(manager.Stop)

	_, err := manager.GetLogger()
	require.Error(t, err)
}
