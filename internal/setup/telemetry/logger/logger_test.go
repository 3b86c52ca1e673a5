package logger_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/robalyx/followtrack/internal/setup/telemetry/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing(t *testing.T) {
	t.Parallel()

	ring := logger.NewRing[int](3)
	assert.Empty(t, ring.Items())

	for i := range 5 {
		ring.Push(i)
	}

	assert.Equal(t, 3, ring.Len())
	assert.Equal(t, []int{2, 3, 4}, ring.Items())
}

func TestLineCapWriter(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "main.log")

	w, err := logger.Open(path, 2)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	for _, chunk := range []string{"one\ntwo\n", "thr", "ee\nfour\n", "five\n"} {
		n, err := w.Write([]byte(chunk))
		require.NoError(t, err)
		assert.Equal(t, len(chunk), n)
	}

	require.NoError(t, w.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "three\nfour\nfive\n", string(data))
}

func TestLineCapWriterAppends(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "main.log")
	require.NoError(t, os.WriteFile(path, []byte("old\n"), 0o644))

	w, err := logger.Open(path, 10)
	require.NoError(t, err)

	_, err = w.Write([]byte("new\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "old\nnew\n", string(data))
}
