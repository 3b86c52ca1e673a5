package graph

import (
	"cmp"
	"iter"
	"maps"
	"slices"
	"time"

	"github.com/robalyx/followtrack/internal/batch"
)

// AllBatches iterates over archived batches followed by the current file.
// Batches from the current file carry an empty date.
func (s *Store) AllBatches() iter.Seq2[PastBatch, error] {
	return func(yield func(PastBatch, error) bool) {
		for past, err := range s.PastBatches() {
			if !yield(past, err) || err != nil {
				return
			}
		}

		current, err := s.CurrentBatches()
		if err != nil {
			yield(PastBatch{}, err)
			return
		}

		for _, b := range current {
			if !yield(PastBatch{Batch: b}, nil) {
				return
			}
		}
	}
}

// KnownUserIDs returns every account id and every follower or followed id
// that appears anywhere in the batch log.
func (s *Store) KnownUserIDs() (map[uint64]struct{}, error) {
	known := make(map[uint64]struct{})

	for entry, err := range s.AllBatches() {
		if err != nil {
			return nil, err
		}

		known[entry.Batch.UserID] = struct{}{}
		for _, id := range entry.Batch.AdditionIDs() {
			known[id] = struct{}{}
		}

		for _, id := range entry.Batch.RemovalIDs() {
			known[id] = struct{}{}
		}
	}

	return known, nil
}

// IDsSince returns the sorted ids touched by any batch at or after since.
// Removed ids for which skip returns true are left out.
func (s *Store) IDsSince(since time.Time, skip func(uint64) bool) ([]uint64, error) {
	ids := make(map[uint64]struct{})

	for entry, err := range s.AllBatches() {
		if err != nil {
			return nil, err
		}

		if entry.Batch.Timestamp.Before(since) {
			continue
		}

		for _, id := range entry.Batch.AdditionIDs() {
			ids[id] = struct{}{}
		}

		for _, id := range entry.Batch.RemovalIDs() {
			if skip == nil || !skip(id) {
				ids[id] = struct{}{}
			}
		}
	}

	return slices.Sorted(maps.Keys(ids)), nil
}

type edge struct {
	id     uint64
	target uint64
}

// UserScores counts, for every id, the distinct tracked accounts it was ever
// added to as a follower plus those it was ever added to as a followed account.
func (s *Store) UserScores() (map[uint64]int, error) {
	followerPairs := make(map[edge]struct{})
	followedPairs := make(map[edge]struct{})

	for entry, err := range s.AllBatches() {
		if err != nil {
			return nil, err
		}

		b := entry.Batch
		if b.FollowerChange != nil {
			for _, id := range b.FollowerChange.AdditionIDs {
				followerPairs[edge{id, b.UserID}] = struct{}{}
			}
		}

		if b.FollowedChange != nil {
			for _, id := range b.FollowedChange.AdditionIDs {
				followedPairs[edge{id, b.UserID}] = struct{}{}
			}
		}
	}

	scores := make(map[uint64]int)
	for pair := range followerPairs {
		scores[pair.id]++
	}

	for pair := range followedPairs {
		scores[pair.id]++
	}

	return scores, nil
}

// Score is an id with its score.
type Score struct {
	ID    uint64
	Score int
}

// SortedScores returns scores ordered by descending score and ascending id.
func SortedScores(scores map[uint64]int) []Score {
	sorted := make([]Score, 0, len(scores))
	for id, score := range scores {
		sorted = append(sorted, Score{ID: id, Score: score})
	}

	slices.SortFunc(sorted, func(a, b Score) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}

		return cmp.Compare(a.ID, b.ID)
	})

	return sorted
}

// UserRanks maps every scored id to its 1-based rank by descending score.
func (s *Store) UserRanks() (map[uint64]int, error) {
	scores, err := s.UserScores()
	if err != nil {
		return nil, err
	}

	ranks := make(map[uint64]int, len(scores))
	for i, score := range SortedScores(scores) {
		ranks[score.ID] = i + 1
	}

	return ranks, nil
}

// Role is how an id appears in a batch.
type Role int

const (
	RoleAccount Role = iota
	RoleFollowerAdded
	RoleFollowerRemoved
	RoleFollowedAdded
	RoleFollowedRemoved
)

func (r Role) String() string {
	switch r {
	case RoleAccount:
		return "account"
	case RoleFollowerAdded:
		return "follower added"
	case RoleFollowerRemoved:
		return "follower removed"
	case RoleFollowedAdded:
		return "followed added"
	case RoleFollowedRemoved:
		return "followed removed"
	default:
		return "unknown"
	}
}

// Appearance is a batch that mentions an id.
type Appearance struct {
	PastBatch
	Roles []Role
}

// Lookup iterates over every batch, archived then current, that mentions id.
func (s *Store) Lookup(id uint64) iter.Seq2[Appearance, error] {
	return func(yield func(Appearance, error) bool) {
		for entry, err := range s.AllBatches() {
			if err != nil {
				yield(Appearance{}, err)
				return
			}

			roles := batchRoles(entry.Batch, id)
			if len(roles) == 0 {
				continue
			}

			if !yield(Appearance{PastBatch: entry, Roles: roles}, nil) {
				return
			}
		}
	}
}

func batchRoles(b *batch.Batch, id uint64) []Role {
	var roles []Role
	if b.UserID == id {
		roles = append(roles, RoleAccount)
	}

	sides := []struct {
		change         *batch.Change
		added, removed Role
	}{
		{b.FollowerChange, RoleFollowerAdded, RoleFollowerRemoved},
		{b.FollowedChange, RoleFollowedAdded, RoleFollowedRemoved},
	}

	for _, side := range sides {
		if side.change == nil {
			continue
		}

		if _, found := slices.BinarySearch(side.change.AdditionIDs, id); found {
			roles = append(roles, side.added)
		}

		if _, found := slices.BinarySearch(side.change.RemovalIDs, id); found {
			roles = append(roles, side.removed)
		}
	}

	return roles
}
