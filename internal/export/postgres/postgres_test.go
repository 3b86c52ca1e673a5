package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/robalyx/followtrack/internal/batch"
	"github.com/robalyx/followtrack/internal/export/postgres"
	"github.com/stretchr/testify/assert"
)

func TestEntries(t *testing.T) {
	t.Parallel()

	b := batch.New(time.Unix(1000, 0), 7,
		&batch.Change{AdditionIDs: []uint64{1, 2}, RemovalIDs: []uint64{3}},
		&batch.Change{RemovalIDs: []uint64{4}},
	)

	assert.Equal(t, []postgres.Entry{
		{BatchID: 9, UserID: 1, IsFollower: true, IsAddition: true},
		{BatchID: 9, UserID: 2, IsFollower: true, IsAddition: true},
		{BatchID: 9, UserID: 3, IsFollower: true},
		{BatchID: 9, UserID: 4},
	}, postgres.Entries(9, b))

	assert.Empty(t, postgres.Entries(1, batch.New(time.Unix(1000, 0), 7, nil, nil)))
}

func TestIsRetryableError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "cancelled", err: context.Canceled, want: false},
		{name: "deadline", err: fmt.Errorf("query: %w", context.DeadlineExceeded), want: true},
		{name: "connection refused", err: errors.New("dial tcp: connection refused"), want: true},
		{name: "other", err: errors.New("syntax error"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, postgres.IsRetryableError(tt.err))
		})
	}
}
