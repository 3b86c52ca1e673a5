package deactivation_test

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/robalyx/followtrack/internal/deactivation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleLog = `2,63,1000,
1,50,100,200
1,63,300
3,50,500,
`

func ts(seconds int64) time.Time {
	return time.Unix(seconds, 0).UTC()
}

func TestReadLog(t *testing.T) {
	t.Parallel()

	log, err := deactivation.ReadLog(strings.NewReader(sampleLog))
	require.NoError(t, err)
	assert.Equal(t, 3, log.Len())

	assert.Equal(t, []deactivation.Entry{
		{Status: 50, Observed: ts(100), Reversal: ts(200)},
		{Status: 63, Observed: ts(300)},
	}, log.Lookup(1))

	status, ok := log.Status(1)
	require.True(t, ok)
	assert.Equal(t, 63, status)

	observed, ok := log.StatusTimestamp(1)
	require.True(t, ok)
	assert.Equal(t, ts(300), observed)

	_, ok = log.Status(4)
	assert.False(t, ok)

	assert.Empty(t, log.Validate())
}

func TestReadLogErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  error
	}{
		{name: "invalid id", input: "x,50,100\n", want: deactivation.ErrInvalidUserID},
		{name: "invalid status", input: "1,y,100\n", want: deactivation.ErrInvalidStatus},
		{name: "invalid observed", input: "1,50,z\n", want: deactivation.ErrInvalidTimestamp},
		{name: "invalid reversal", input: "1,50,100,z\n", want: deactivation.ErrInvalidTimestamp},
		{name: "too few fields", input: "1,50\n", want: deactivation.ErrInvalidRecord},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := deactivation.ReadLog(strings.NewReader(tt.input))
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCurrentDeactivated(t *testing.T) {
	t.Parallel()

	log, err := deactivation.ReadLog(strings.NewReader(sampleLog + "4,50,100,150\n"))
	require.NoError(t, err)

	assert.Equal(t, map[uint64]struct{}{1: {}, 2: {}, 3: {}}, log.CurrentDeactivated(0))
	assert.Equal(t, map[uint64]struct{}{1: {}, 2: {}}, log.CurrentDeactivated(63))
	assert.Equal(t, map[uint64]struct{}{1: {}, 3: {}, 4: {}}, log.EverDeactivated(50))
}

func TestAdd(t *testing.T) {
	t.Parallel()

	log := deactivation.NewLog()

	log.Add(1, 50, ts(100))
	log.Add(1, 50, ts(200))
	assert.Equal(t, []deactivation.Entry{{Status: 50, Observed: ts(100)}}, log.Lookup(1))

	log.Add(1, 50, ts(100))
	assert.Len(t, log.Lookup(1), 1)

	require.True(t, log.Reverse(1, ts(150)))
	assert.False(t, log.Reverse(1, ts(160)))

	log.Add(1, 63, ts(300))
	assert.Equal(t, []deactivation.Entry{
		{Status: 50, Observed: ts(100), Reversal: ts(150)},
		{Status: 63, Observed: ts(300)},
	}, log.Lookup(1))

	log.AddAll(map[uint64]deactivation.Update{
		2: {Status: 63, Observed: ts(400)},
		3: {Status: 50, Observed: ts(500)},
	})
	assert.Equal(t, 3, log.Len())
	assert.Empty(t, log.Validate())
}

func TestValidateFindsUnreversedHistory(t *testing.T) {
	t.Parallel()

	log, err := deactivation.ReadLog(strings.NewReader("5,50,100,\n5,63,200,\n6,50,300,250\n"))
	require.NoError(t, err)

	assert.Equal(t, []uint64{5, 6}, log.Validate())
}

func TestWriteOrdersByID(t *testing.T) {
	t.Parallel()

	log, err := deactivation.ReadLog(strings.NewReader(sampleLog))
	require.NoError(t, err)

	var out strings.Builder
	require.NoError(t, log.Write(&out))

	assert.Equal(t, "1,50,100,200\n1,63,300,\n2,63,1000,\n3,50,500,\n", out.String())
}

func TestFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "deactivations.csv")

	file, err := deactivation.Open(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)

		go func() {
			defer wg.Done()
			file.Add(uint64(i+1), 50, ts(int64(100+i)))
		}()
	}

	wg.Wait()
	require.NoError(t, file.Flush())

	status, ok := file.Status(3)
	require.True(t, ok)
	assert.Equal(t, 50, status)
	assert.Len(t, file.CurrentDeactivated(0), 10)

	reopened, err := deactivation.Open(path)
	require.NoError(t, err)
	assert.Equal(t, file.Log(), reopened.Log())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "1,50,100,\n"))
}
