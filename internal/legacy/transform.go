package legacy

import (
	"iter"
	"slices"

	"github.com/robalyx/followtrack/internal/batch"
)

// DateBatches holds consecutive batches that share a UTC date.
type DateBatches struct {
	Date    string
	Batches []*batch.Batch
}

type sets struct {
	followers map[uint64]struct{}
	following map[uint64]struct{}
}

// DeduplicateRemovals drops removals of ids that are not in the account's
// replayed set. Legacy update files sometimes repeat a removal, which the
// batch log would reject. Batches left with no changes are still yielded.
func DeduplicateRemovals(seq iter.Seq2[*batch.Batch, error]) iter.Seq2[*batch.Batch, error] {
	return func(yield func(*batch.Batch, error) bool) {
		state := make(map[uint64]*sets)

		for b, err := range seq {
			if err != nil {
				yield(nil, err)
				return
			}

			current, ok := state[b.UserID]
			if !ok {
				current = &sets{
					followers: make(map[uint64]struct{}),
					following: make(map[uint64]struct{}),
				}
				state[b.UserID] = current
			}

			deduplicated := batch.New(
				b.Timestamp,
				b.UserID,
				dedupeChange(b.FollowerChange, current.followers),
				dedupeChange(b.FollowedChange, current.following),
			)

			if !yield(deduplicated, nil) {
				return
			}
		}
	}
}

func dedupeChange(change *batch.Change, set map[uint64]struct{}) *batch.Change {
	if change == nil {
		return nil
	}

	removals := slices.DeleteFunc(slices.Clone(change.RemovalIDs), func(id uint64) bool {
		if _, ok := set[id]; !ok {
			return true
		}

		delete(set, id)

		return false
	})

	for _, id := range change.AdditionIDs {
		set[id] = struct{}{}
	}

	return batch.NewChange(slices.Clone(change.AdditionIDs), removals)
}

// PartitionDates groups consecutive batches by their UTC date.
func PartitionDates(seq iter.Seq2[*batch.Batch, error]) iter.Seq2[DateBatches, error] {
	return func(yield func(DateBatches, error) bool) {
		var current DateBatches

		for b, err := range seq {
			if err != nil {
				yield(DateBatches{}, err)
				return
			}

			date := b.Date()
			if date != current.Date && len(current.Batches) > 0 {
				if !yield(current, nil) {
					return
				}

				current = DateBatches{}
			}

			current.Date = date
			current.Batches = append(current.Batches, b)
		}

		if len(current.Batches) > 0 {
			yield(current, nil)
		}
	}
}
