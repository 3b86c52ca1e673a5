package session

import (
	"fmt"
	"slices"
	"time"

	"github.com/robalyx/followtrack/internal/age"
	"github.com/robalyx/followtrack/internal/graph"
)

// CompareUsers returns the ids only present in the store and the ids only
// present in the tracked registry, both sorted.
func CompareUsers(store *graph.Store, trackedIDs []uint64) (storeOnly, trackedOnly []uint64) {
	storeIDs := make(map[uint64]struct{})
	for _, id := range store.UserIDs() {
		storeIDs[id] = struct{}{}
	}

	registered := make(map[uint64]struct{}, len(trackedIDs))
	for _, id := range trackedIDs {
		registered[id] = struct{}{}

		if _, ok := storeIDs[id]; !ok {
			trackedOnly = append(trackedOnly, id)
		}
	}

	for id := range storeIDs {
		if _, ok := registered[id]; !ok {
			storeOnly = append(storeOnly, id)
		}
	}

	slices.Sort(storeOnly)
	slices.Sort(trackedOnly)

	return storeOnly, trackedOnly
}

// CleanSchedule removes currently deactivated accounts from the profile
// schedule and returns how many entries were deleted.
func CleanSchedule(deactivated map[uint64]struct{}, schedule *age.Store) (int, error) {
	count := 0

	for id := range deactivated {
		deleted, err := schedule.Delete(id)
		if err != nil {
			return count, fmt.Errorf("failed to delete %d: %w", id, err)
		}

		if deleted {
			count++
		}
	}

	return count, nil
}

// SeedSchedule enrolls every account that appears in the graph log, with a
// target age derived from its popularity rank. Known entries keep their last
// observation and only get the new target age. Deactivated accounts are skipped.
func SeedSchedule(store *graph.Store, deactivated map[uint64]struct{}, schedule *age.Store) (int, error) {
	ranks, err := store.UserRanks()
	if err != nil {
		return 0, err
	}

	ids := make([]uint64, 0, len(ranks))
	for id := range ranks {
		if _, ok := deactivated[id]; !ok {
			ids = append(ids, id)
		}
	}

	slices.Sort(ids)

	for _, id := range ids {
		targetAge := ProfileTargetAge(ranks[id])

		entry, found, err := schedule.Get(id)
		if err != nil {
			return 0, err
		}

		var lastObserved time.Time
		if found {
			lastObserved = entry.LastObserved
		}

		if found && lastObserved.IsZero() {
			// Already urgent; nothing to reschedule from
			continue
		}

		if err := schedule.InsertOrUpdate(id, lastObserved, targetAge); err != nil {
			return 0, fmt.Errorf("failed to schedule %d: %w", id, err)
		}
	}

	return len(ids), nil
}
