// Package postgres copies the batch log into PostgreSQL so that follow
// history can be queried with SQL. Each batch becomes one row in batches,
// linked to the same account's following batch, with one row per changed id
// in entries.
package postgres

import (
	"time"

	"github.com/robalyx/followtrack/internal/batch"
	"github.com/uptrace/bun"
)

// Batch is one imported observation.
type Batch struct {
	bun.BaseModel `bun:"table:batches,alias:b"`

	ID        int64     `bun:"id,pk,autoincrement"`
	UserID    int64     `bun:"user_id,notnull"`
	Timestamp time.Time `bun:"timestamp,notnull"`
	NextID    *int64    `bun:"next_id"`
}

// Entry is one id added to or removed from a side of a batch.
type Entry struct {
	bun.BaseModel `bun:"table:entries,alias:e"`

	BatchID    int64 `bun:"batch_id,notnull"`
	UserID     int64 `bun:"user_id,notnull"`
	IsFollower bool  `bun:"is_follower,notnull"`
	IsAddition bool  `bun:"is_addition,notnull"`
}

// Entries flattens a batch into entry rows: follower additions, follower
// removals, followed additions, then followed removals.
func Entries(batchID int64, b *batch.Batch) []Entry {
	entries := make([]Entry, 0, b.TotalLen())

	sides := []struct {
		change   *batch.Change
		follower bool
	}{
		{b.FollowerChange, true},
		{b.FollowedChange, false},
	}

	for _, side := range sides {
		if side.change == nil {
			continue
		}

		for _, id := range side.change.AdditionIDs {
			entries = append(entries, Entry{BatchID: batchID, UserID: int64(id), IsFollower: side.follower, IsAddition: true})
		}

		for _, id := range side.change.RemovalIDs {
			entries = append(entries, Entry{BatchID: batchID, UserID: int64(id), IsFollower: side.follower})
		}
	}

	return entries
}
